package events

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"bookingcoord/internal/models"
)

func TestEncodeDecodeStatusUpdate(t *testing.T) {
	emitted := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	frame, err := Encode(BookingStatusUpdate{BookingID: "b-1", Status: models.StatusAccepted, EmittedAt: emitted})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if frame.Type != TypeBookingStatusUpdate {
		t.Fatalf("expected type %s, got %s", TypeBookingStatusUpdate, frame.Type)
	}

	ev, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	update, ok := ev.(BookingStatusUpdate)
	if !ok {
		t.Fatalf("expected BookingStatusUpdate, got %T", ev)
	}
	if update.BookingID != "b-1" || update.Status != models.StatusAccepted || !update.EmittedAt.Equal(emitted) {
		t.Errorf("unexpected update: %+v", update)
	}
	if se := update.StatusEvent(); se.BookingID != "b-1" || se.Status != models.StatusAccepted {
		t.Errorf("unexpected status event: %+v", se)
	}
}

func TestDecodeWirePayloads(t *testing.T) {
	t.Run("StatusWithoutTimestamp", func(t *testing.T) {
		ev, err := Decode(Frame{Type: TypeBookingStatusUpdate, Payload: json.RawMessage(`{"bookingId":"b-2","status":"IN_PROGRESS"}`)})
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		update := ev.(BookingStatusUpdate)
		if update.Status != models.StatusInProgress {
			t.Errorf("expected in_progress, got %s", update.Status)
		}
		if update.EmittedAt.IsZero() {
			t.Errorf("expected receipt time to be filled")
		}
	})

	t.Run("BookingNewDefaultsPending", func(t *testing.T) {
		ev, err := Decode(Frame{Type: TypeBookingNew, Payload: json.RawMessage(`{"booking":{"id":"b-3"}}`)})
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if got := ev.(BookingNew).Booking.Status; got != models.StatusPending {
			t.Errorf("expected pending, got %s", got)
		}
	})

	t.Run("RoomFrames", func(t *testing.T) {
		frame, _ := Encode(JoinBookingRoom{BookingID: "b-4"})
		if string(frame.Payload) != `{"bookingId":"b-4"}` {
			t.Errorf("unexpected join payload %s", frame.Payload)
		}
		ev, err := Decode(frame)
		if err != nil || ev.(JoinBookingRoom).BookingID != "b-4" {
			t.Errorf("unexpected decode: %v %v", ev, err)
		}
		frame, _ = Encode(LeaveBookingRoom{BookingID: "b-4"})
		if _, err := Decode(frame); err != nil {
			t.Errorf("leave decode failed: %v", err)
		}
	})
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	cases := []struct {
		name  string
		frame Frame
		want  error
	}{
		{"Unknown", Frame{Type: "chat.send", Payload: json.RawMessage(`{}`)}, ErrUnknownType},
		{"NoPayload", Frame{Type: TypeBookingStatusUpdate}, models.ErrValidation},
		{"BadJSON", Frame{Type: TypeBookingStatusUpdate, Payload: json.RawMessage(`{`)}, models.ErrValidation},
		{"MissingID", Frame{Type: TypeJoinBookingRoom, Payload: json.RawMessage(`{"bookingId":" "}`)}, models.ErrValidation},
		{"BadStatus", Frame{Type: TypeBookingStatusUpdate, Payload: json.RawMessage(`{"bookingId":"b","status":"lost"}`)}, models.ErrValidation},
		{"NewWithoutID", Frame{Type: TypeBookingNew, Payload: json.RawMessage(`{"booking":{}}`)}, models.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.frame); !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if _, err := Encode(nil); err == nil {
		t.Errorf("expected error for nil event")
	}
}

func TestBusOrderAndUnsubscribe(t *testing.T) {
	bus := NewBus()
	var order []string

	bus.Subscribe(TypeBookingNew, func(Event) { order = append(order, "first") })
	stop := bus.Subscribe(TypeBookingNew, func(Event) { order = append(order, "second") })
	bus.Subscribe(TypeBookingNew, func(Event) { order = append(order, "third") })

	if n := bus.Publish(BookingNew{Booking: models.BookingRecord{ID: "b"}}); n != 3 {
		t.Fatalf("expected 3 handlers, got %d", n)
	}
	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Fatalf("unexpected order %v", order)
	}

	stop()
	stop()
	order = nil
	bus.Publish(BookingNew{Booking: models.BookingRecord{ID: "b"}})
	if len(order) != 2 || order[0] != "first" || order[1] != "third" {
		t.Fatalf("unexpected order after unsubscribe %v", order)
	}
	if bus.Count(TypeBookingNew) != 2 {
		t.Errorf("expected 2 subscribers, got %d", bus.Count(TypeBookingNew))
	}
}

func TestBusNoSubscribers(t *testing.T) {
	bus := NewBus()
	// Should not panic
	if n := bus.Publish(JoinBookingRoom{BookingID: "x"}); n != 0 {
		t.Errorf("expected 0 handlers, got %d", n)
	}
	var nilBus *Bus
	if n := nilBus.Publish(JoinBookingRoom{BookingID: "x"}); n != 0 {
		t.Errorf("expected 0 handlers on nil bus, got %d", n)
	}
	unsub := bus.Subscribe(TypeBookingStatusUpdate, func(Event) {})
	unsub()
	if bus.Count(TypeBookingStatusUpdate) != 0 {
		t.Errorf("expected subscribers cleared")
	}
}
