package transport

import (
	"testing"
	"time"
)

func TestWakeupPostDrain(t *testing.T) {
	w, err := NewWakeup()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := w.Post(7); err != nil {
		t.Fatal(err)
	}

	select {
	case <-w.C():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}

	v, err := w.Drain()
	if err != nil {
		t.Fatal(err)
	}
	if v != 7 {
		t.Errorf("expected 7, got %d", v)
	}
	if IsShutdown(v) {
		t.Errorf("7 should not be a shutdown value")
	}
}

func TestWakeupShutdownThreshold(t *testing.T) {
	if !IsShutdown(ShutdownValue) {
		t.Errorf("expected ShutdownValue itself to be a shutdown signal")
	}
	if !IsShutdown(ShutdownValue + 1) {
		t.Errorf("expected values above ShutdownValue to be a shutdown signal")
	}
	if IsShutdown(ShutdownValue - 1) {
		t.Errorf("expected values below ShutdownValue to not be a shutdown signal")
	}
}

func TestWakeupPostSignalsOnce(t *testing.T) {
	w, err := NewWakeup()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	w.Post(1)
	w.Post(1)

	select {
	case <-w.C():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first notification")
	}

	v, _ := w.Drain()
	if v != 2 {
		t.Errorf("expected accumulated value 2, got %d", v)
	}
}
