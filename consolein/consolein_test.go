package consolein

import "testing"

func TestDriverRegistration(t *testing.T) {

	names := Drivers()
	want := map[string]bool{"stty": false, "term": false, "file": false, "error": false}
	for _, n := range names {
		if _, ok := want[n]; ok {
			want[n] = true
		}
	}
	for n, found := range want {
		if !found {
			t.Fatalf("expected driver %q to be registered", n)
		}
	}

	drv, err := New("stty")
	if err != nil {
		t.Fatalf("unexpected error looking up stty: %s", err)
	}
	if drv.GetName() != "stty" {
		t.Fatalf("naming mismatch on driver")
	}

	if _, err := New("bogus"); err == nil {
		t.Fatalf("expected an error looking up an unregistered driver")
	}
}

func TestErrorDriver(t *testing.T) {
	drv, err := New("error")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !drv.PendingInput() {
		t.Fatalf("error driver should always claim input is pending")
	}
	if _, err := drv.BlockForCharacterNoEcho(); err == nil {
		t.Fatalf("expected the error driver to return an error")
	}
}
