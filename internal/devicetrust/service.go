package devicetrust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/trustgate/internal/metrics"
	"github.com/mbd888/trustgate/internal/retry"
	"github.com/mbd888/trustgate/internal/syncutil"
	"github.com/mbd888/trustgate/internal/traces"
)

const (
	maxWriteAttempts = 5
	conflictBackoff  = 5 * time.Millisecond
)

// Change is the result of one serialized read-modify-write.
type Change struct {
	Before  Device `json:"before"`
	After   Device `json:"after"`
	Created bool   `json:"created"`
}

// Service serializes trust transitions per (user, device). Within one process
// a sharded mutex orders writers; across processes the version check in the
// store rejects lost updates and the write is retried.
type Service struct {
	store  Store
	locks  *syncutil.ContextShardedMutex
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a device trust service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		locks:  syncutil.NewContextShardedMutex(),
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Get returns the stored device or ErrDeviceNotFound.
func (s *Service) Get(ctx context.Context, userID, deviceID string) (*Device, error) {
	return s.store.Get(ctx, userID, deviceID)
}

// Lookup returns the stored device, or the initial New state with found=false
// when the pair has never been seen. Absence is not an error.
func (s *Service) Lookup(ctx context.Context, userID, deviceID string) (Device, bool, error) {
	d, err := s.store.Get(ctx, userID, deviceID)
	if errors.Is(err, ErrDeviceNotFound) {
		return NewDevice(userID, deviceID, time.Time{}), false, nil
	}
	if err != nil {
		return Device{}, false, err
	}
	return *d, true, nil
}

// List returns all devices of a user, most recently used first.
func (s *Service) List(ctx context.Context, userID string) ([]*Device, error) {
	return s.store.ListByUser(ctx, userID)
}

// Apply records a login outcome against the device, creating it on first
// sight.
func (s *Service) Apply(ctx context.Context, userID, deviceID string, ev Event) (*Change, error) {
	return s.ApplyIf(ctx, userID, deviceID, ev, nil)
}

// ApplyIf is Apply with a precondition checked against the stored state under
// the device lock. When admit rejects that state nothing is written and the
// returned Change has Before equal to After.
func (s *Service) ApplyIf(ctx context.Context, userID, deviceID string, ev Event, admit func(Device) bool) (*Change, error) {
	ctx, span := traces.StartSpan(ctx, "devicetrust.Apply", traces.UserID(userID), traces.DeviceID(deviceID))
	defer span.End()

	if ev.At.IsZero() {
		ev.At = s.now().UTC()
	}
	return s.mutate(ctx, userID, deviceID, true, func(d Device) Device {
		if admit != nil && !admit(d) {
			return d
		}
		return Transition(d, ev)
	})
}

// Flag forces a device into Suspicious. Blocked devices stay blocked.
func (s *Service) Flag(ctx context.Context, userID, deviceID string) (*Change, error) {
	return s.mutate(ctx, userID, deviceID, false, func(d Device) Device {
		if d.Level != LevelBlocked {
			d.Level = LevelSuspicious
		}
		return d
	})
}

// Block blocks a device. This is the only way into Blocked.
func (s *Service) Block(ctx context.Context, userID, deviceID string) (*Change, error) {
	return s.mutate(ctx, userID, deviceID, true, func(d Device) Device {
		d.Level = LevelBlocked
		return d
	})
}

// BlockAll blocks every device of a user (account recovery panic revoke).
func (s *Service) BlockAll(ctx context.Context, userID string) (int, error) {
	devices, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range devices {
		if _, err := s.Block(ctx, userID, d.DeviceID); err != nil {
			return n, fmt.Errorf("block %s: %w", d.DeviceID, err)
		}
		n++
	}
	return n, nil
}

// Unblock is the explicit administrative exit from Blocked. The level is
// re-derived from the login count.
func (s *Service) Unblock(ctx context.Context, userID, deviceID string) (*Change, error) {
	return s.mutate(ctx, userID, deviceID, false, func(d Device) Device {
		if d.Level == LevelBlocked {
			d.Level = DeriveLevel(d.LoginCount)
		}
		return d
	})
}

// ResetLoginCount zeroes the login count after a security event. Trusted and
// Known devices degrade accordingly; Suspicious and Blocked keep their level.
func (s *Service) ResetLoginCount(ctx context.Context, userID, deviceID string) (*Change, error) {
	return s.mutate(ctx, userID, deviceID, false, func(d Device) Device {
		d.LoginCount = 0
		if d.Level != LevelSuspicious && d.Level != LevelBlocked {
			d.Level = DeriveLevel(0)
		}
		return d
	})
}

// RevokeAll deletes every device of a user. Used by account recovery only.
func (s *Service) RevokeAll(ctx context.Context, userID string) (int, error) {
	n, err := s.store.DeleteByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.logger.Warn("all devices revoked", "user_id", userID, "count", n)
	return n, nil
}

func (s *Service) mutate(ctx context.Context, userID, deviceID string, create bool, fn func(Device) Device) (*Change, error) {
	if userID == "" || deviceID == "" {
		return nil, ErrInvalidDevice
	}

	unlock, err := s.locks.LockContext(ctx, syncutil.Key(userID, deviceID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var change *Change
	err = retry.When(ctx, maxWriteAttempts, conflictBackoff, isConflict, func() error {
		now := s.now().UTC()
		cur, err := s.store.Get(ctx, userID, deviceID)
		switch {
		case errors.Is(err, ErrDeviceNotFound):
			if !create {
				return err
			}
			before := NewDevice(userID, deviceID, now)
			after := fn(before)
			after.UpdatedAt = now
			if err := s.store.Insert(ctx, &after); err != nil {
				return err
			}
			change = &Change{Before: before, After: after, Created: true}
			return nil
		case err != nil:
			return err
		}

		after := fn(*cur)
		if after == *cur {
			change = &Change{Before: *cur, After: after}
			return nil
		}
		after.UpdatedAt = now
		if err := s.store.Update(ctx, &after, cur.Version); err != nil {
			return err
		}
		change = &Change{Before: *cur, After: after}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if change.Before.Level != change.After.Level || change.Created {
		metrics.DeviceTransitionsTotal.WithLabelValues(string(change.Before.Level), string(change.After.Level)).Inc()
		s.logger.Info("device trust changed",
			"user_id", userID, "device_id", deviceID,
			"from", change.Before.Level, "to", change.After.Level,
			"login_count", change.After.LoginCount)
	}
	return change, nil
}

func isConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
