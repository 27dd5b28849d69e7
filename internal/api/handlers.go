package api

import (
	"context"
	"fmt"

	"github.com/andyleap/fprint/internal/device"
	"github.com/andyleap/fprint/internal/driver"
	"github.com/andyleap/fprint/internal/models"
)

func (s *Server) registerHandlers() {
	s.Handle(ActionListDevices, s.handleListDevices)
	s.Handle(ActionDefaultDevice, s.handleDefaultDevice)
	s.Handle(ActionDeviceInfo, s.handleDeviceInfo)
	s.Handle(ActionClaim, s.onDevice(func(ctx context.Context, d *device.Session, caller models.Caller, req *Request) (any, error) {
		return nil, d.Claim(ctx, caller, req.User)
	}))
	s.Handle(ActionRelease, s.onDevice(func(ctx context.Context, d *device.Session, caller models.Caller, req *Request) (any, error) {
		return nil, d.Release(ctx, caller)
	}))
	s.Handle(ActionEnrollStart, s.onDevice(func(ctx context.Context, d *device.Session, caller models.Caller, req *Request) (any, error) {
		return nil, d.EnrollStart(ctx, caller, req.Finger)
	}))
	s.Handle(ActionEnrollStop, s.onDevice(func(ctx context.Context, d *device.Session, caller models.Caller, req *Request) (any, error) {
		return nil, d.EnrollStop(ctx, caller)
	}))
	s.Handle(ActionVerifyStart, s.onDevice(func(ctx context.Context, d *device.Session, caller models.Caller, req *Request) (any, error) {
		return nil, d.VerifyStart(ctx, caller, req.Finger)
	}))
	s.Handle(ActionVerifyStop, s.onDevice(func(ctx context.Context, d *device.Session, caller models.Caller, req *Request) (any, error) {
		return nil, d.VerifyStop(ctx, caller)
	}))
	s.Handle(ActionListEnrolledFingers, s.onDevice(func(ctx context.Context, d *device.Session, caller models.Caller, req *Request) (any, error) {
		return d.ListEnrolledFingers(ctx, caller, req.User)
	}))
	s.Handle(ActionDeleteEnrolledFingers, s.onDevice(func(ctx context.Context, d *device.Session, caller models.Caller, req *Request) (any, error) {
		return nil, d.DeleteEnrolledFingers(ctx, caller, req.User)
	}))
	s.Handle(ActionDeleteEnrolledFingers2, s.onDevice(func(ctx context.Context, d *device.Session, caller models.Caller, req *Request) (any, error) {
		return nil, d.DeleteEnrolledFingers2(ctx, caller)
	}))
	s.Handle(ActionDeleteEnrolledFinger, s.onDevice(func(ctx context.Context, d *device.Session, caller models.Caller, req *Request) (any, error) {
		return nil, d.DeleteEnrolledFinger(ctx, caller, req.Finger)
	}))
}

// EnableTesting registers the driver injection action.
func (s *Server) EnableTesting() {
	s.Handle(ActionInject, s.onDevice(s.handleInject))
}

type deviceActionFunc func(ctx context.Context, d *device.Session, caller models.Caller, req *Request) (any, error)

// onDevice resolves the request's device before calling fn.
func (s *Server) onDevice(fn deviceActionFunc) ActionFunc {
	return func(ctx context.Context, caller models.Caller, req *Request) (any, error) {
		d, err := s.session(req.Device)
		if err != nil {
			return nil, err
		}
		return fn(ctx, d, caller, req)
	}
}

func (s *Server) session(id uint32) (*device.Session, error) {
	if id == 0 {
		def, err := s.registry.Default()
		if err != nil {
			return nil, err
		}
		id = def
	}
	return s.registry.Session(id)
}

func (s *Server) handleListDevices(ctx context.Context, caller models.Caller, req *Request) (any, error) {
	return s.registry.List(), nil
}

func (s *Server) handleDefaultDevice(ctx context.Context, caller models.Caller, req *Request) (any, error) {
	return s.registry.Default()
}

func (s *Server) handleDeviceInfo(ctx context.Context, caller models.Caller, req *Request) (any, error) {
	d, err := s.session(req.Device)
	if err != nil {
		return nil, err
	}
	return d.Info(), nil
}

func (s *Server) handleInject(ctx context.Context, d *device.Session, caller models.Caller, req *Request) (any, error) {
	virtual, ok := d.Driver().(*driver.Virtual)
	if !ok {
		return nil, fmt.Errorf("%w: device %d is not a virtual device", models.ErrInternal, d.ID())
	}
	ev, err := driver.ParseEvent(req.Event, req.Code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInternal, err)
	}
	if err := virtual.Inject(ev); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInternal, err)
	}
	return nil, nil
}
