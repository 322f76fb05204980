package urc_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"i4.energy/across/shortrange/urc"
)

func drain(s *urc.Subscription[int]) (got []int, missed uint64) {
	for {
		v, m, ok := s.TryNext()
		missed += m
		if !ok {
			return got, missed
		}
		got = append(got, v)
	}
}

func TestChannel(t *testing.T) {
	t.Run("Subscribers that keep pace see every event in order", func(t *testing.T) {
		ch := urc.New[int](4)
		a := ch.Subscribe()
		b := ch.Subscribe()

		var gotA []int
		for i := range 10 {
			ch.Publish(i)
			v, missed, ok := a.TryNext()
			if !ok || missed != 0 {
				t.Fatalf("expected event %d without loss, got ok=%v missed=%d", i, ok, missed)
			}
			gotA = append(gotA, v)
		}
		for i, v := range gotA {
			if v != i {
				t.Errorf("subscriber a: position %d expected %d, got %d", i, i, v)
			}
		}

		// b never read: it lags and is told how much it missed.
		gotB, missed := drain(b)
		if missed != 6 {
			t.Errorf("expected 6 missed events, got %d", missed)
		}
		expected := []int{6, 7, 8, 9}
		if len(gotB) != len(expected) {
			t.Fatalf("expected %v, got %v", expected, gotB)
		}
		for i := range expected {
			if gotB[i] != expected[i] {
				t.Errorf("subscriber b: position %d expected %d, got %d", i, expected[i], gotB[i])
			}
		}
	})

	t.Run("Publish never blocks without readers", func(t *testing.T) {
		ch := urc.New[int](2)
		_ = ch.Subscribe()
		done := make(chan struct{})
		go func() {
			for i := range 1000 {
				ch.Publish(i)
			}
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("publish blocked on a slow subscriber")
		}
	})

	t.Run("New subscriber starts after existing events", func(t *testing.T) {
		ch := urc.New[int](4)
		ch.Publish(1)
		s := ch.Subscribe()
		if _, _, ok := s.TryNext(); ok {
			t.Error("expected no pending events for a fresh subscriber")
		}
		ch.Publish(2)
		if v, _, ok := s.TryNext(); !ok || v != 2 {
			t.Errorf("expected 2, got %d (ok=%v)", v, ok)
		}
	})

	t.Run("Next wakes on publish", func(t *testing.T) {
		ch := urc.New[int](4)
		s := ch.Subscribe()

		got := make(chan int, 1)
		go func() {
			v, _, err := s.Next(context.Background())
			if err == nil {
				got <- v
			}
		}()

		time.Sleep(10 * time.Millisecond)
		ch.Publish(42)

		select {
		case v := <-got:
			if v != 42 {
				t.Errorf("expected 42, got %d", v)
			}
		case <-time.After(time.Second):
			t.Fatal("expected Next to return after publish")
		}
	})

	t.Run("Next honours context cancellation", func(t *testing.T) {
		ch := urc.New[int](4)
		s := ch.Subscribe()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, _, err := s.Next(ctx)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got: %v", err)
		}
	})

	t.Run("Close unblocks Next", func(t *testing.T) {
		ch := urc.New[int](4)
		s := ch.Subscribe()

		errs := make(chan error, 1)
		go func() {
			_, _, err := s.Next(context.Background())
			errs <- err
		}()

		time.Sleep(10 * time.Millisecond)
		s.Close()

		select {
		case err := <-errs:
			if !errors.Is(err, urc.ErrClosed) {
				t.Errorf("expected ErrClosed, got: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("expected Close to unblock Next")
		}
		if ch.Subscribers() != 0 {
			t.Errorf("expected no subscribers after close, got %d", ch.Subscribers())
		}
	})

	t.Run("Pending counts unread events", func(t *testing.T) {
		ch := urc.New[int](8)
		s := ch.Subscribe()
		ch.Publish(1)
		ch.Publish(2)
		if n := s.Pending(); n != 2 {
			t.Errorf("expected 2 pending, got %d", n)
		}
	})
}
