package mediaflow

import "testing"

func TestRouteHeadrooms(t *testing.T) {
	var nominated sendRoute = &connRoute{}
	var direct sendRoute = &directRoute{}
	var chanRoute sendRoute = &turnChannelRoute{}
	var indicate sendRoute = &turnIndicateRoute{}

	if nominated.Headroom() != HeadroomDirect {
		t.Fatalf("conn route headroom = %d, want %d", nominated.Headroom(), HeadroomDirect)
	}
	if direct.Headroom() != HeadroomDirect {
		t.Fatalf("direct headroom = %d, want %d", direct.Headroom(), HeadroomDirect)
	}
	if chanRoute.Headroom() != HeadroomTurnChan {
		t.Fatalf("turn-channel headroom = %d, want %d", chanRoute.Headroom(), HeadroomTurnChan)
	}
	if indicate.Headroom() != HeadroomTurnIndicate {
		t.Fatalf("turn-indicate headroom = %d, want %d", indicate.Headroom(), HeadroomTurnIndicate)
	}
}

func TestTurnChannelRouteRejectsUndersizedBuffer(t *testing.T) {
	r := &turnChannelRoute{}
	if err := r.Send(make([]byte, HeadroomTurnChan-1)); err == nil {
		t.Fatal("expected an error for a buffer shorter than the channel headroom")
	}
}

func TestTurnIndicateRouteRejectsUndersizedBuffer(t *testing.T) {
	r := &turnIndicateRoute{}
	if err := r.Send(make([]byte, HeadroomTurnIndicate-1)); err == nil {
		t.Fatal("expected an error for a buffer shorter than the indicate headroom")
	}
}
