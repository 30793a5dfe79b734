package channel

import (
	"testing"

	"github.com/ka9q/radiod-core/internal/frontend"
)

func newTestStore(t *testing.T, capacity int) *Store {
	t.Helper()
	fe := frontend.New(48000, 1024)
	return NewStore(capacity, func(ssrc uint32) (*Channel, error) {
		return New(ssrc, fe), nil
	})
}

func TestLookupOrCreate(t *testing.T) {
	s := newTestStore(t, 4)
	c1, created, err := s.LookupOrCreate(100)
	if err != nil || !created {
		t.Fatalf("created=%v err=%v", created, err)
	}
	c2, created, err := s.LookupOrCreate(100)
	if err != nil || created {
		t.Fatalf("second lookup should not create: created=%v err=%v", created, err)
	}
	if c1 != c2 {
		t.Fatal("expected same channel instance")
	}
}

func TestStoreCapacityFull(t *testing.T) {
	s := newTestStore(t, 2)
	if _, _, err := s.LookupOrCreate(1); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.LookupOrCreate(2); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.LookupOrCreate(3); err == nil {
		t.Fatal("expected capacity-full error")
	}
}

// TestLifetimeInvariantI5 covers §4.2/§8 invariant I5: lifetime resets
// only if currently non-zero AND the channel is tuned away from 0 Hz.
func TestLifetimeInvariantI5(t *testing.T) {
	s := newTestStore(t, 4)
	c, _, _ := s.LookupOrCreate(42)

	c.Lifetime = 5
	c.Tune.Freq = 0
	c.ResetLifetimeOnCommand()
	if c.Lifetime != 5 {
		t.Errorf("lifetime reset while tuned to 0 Hz: got %d", c.Lifetime)
	}

	c.Tune.Freq = 7040000
	c.ResetLifetimeOnCommand()
	if c.Lifetime != DefaultIdleTimeout {
		t.Errorf("lifetime = %d, want reset to %d", c.Lifetime, DefaultIdleTimeout)
	}

	c.Lifetime = 0
	c.ResetLifetimeOnCommand()
	if c.Lifetime != 0 {
		t.Errorf("a channel with lifetime already 0 must not be resurrected: got %d", c.Lifetime)
	}
}

func TestTickExpiresAtZero(t *testing.T) {
	s := newTestStore(t, 4)
	c, _, _ := s.LookupOrCreate(7)
	c.Lifetime = 2

	var expired *Channel
	s.Tick(func(ch *Channel) { expired = ch })
	if expired != nil {
		t.Fatal("should not expire yet")
	}
	s.Tick(func(ch *Channel) { expired = ch })
	if expired == nil || expired.Output.SSRC != 7 {
		t.Fatalf("expected channel 7 to expire, got %+v", expired)
	}
	if s.Lookup(7) != nil {
		t.Fatal("expired channel should be removed from the store")
	}
}

// TestEachStaggeredOrder covers the broadcast sweep's use of insertion
// order to stagger per-channel global timers.
func TestEachStaggeredOrder(t *testing.T) {
	s := newTestStore(t, 4)
	s.LookupOrCreate(1)
	s.LookupOrCreate(2)
	s.LookupOrCreate(3)

	var order []uint32
	s.Each(func(index int, c *Channel) {
		order = append(order, c.Output.SSRC)
		c.Status.GlobalTimer = (index >> 1) + 1
	})
	want := []uint32{1, 2, 3}
	for i, ssrc := range want {
		if order[i] != ssrc {
			t.Fatalf("order[%d] = %d, want %d", i, order[i], ssrc)
		}
	}
}
