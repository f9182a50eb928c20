package drivers

import (
	"bytes"
	"context"
	"testing"
)

func assertBools(t testing.TB, got, want bool) {
	t.Helper()

	if got != want {
		t.Errorf("got %v want %v", got, want)
	}
}

func assertUint16Slices(t testing.TB, got, want []uint16) {
	t.Helper()

	if len(got) != len(want) {
		t.Errorf("len(got) = %d len(want) = %d", len(got), len(want))
		return
	}

	for key, val := range got {
		if want[key] != val {
			t.Errorf("for key [%d] got: %d want: %d", key, val, want[key])
		}
	}
}

func TestMockInputStartsHigh(t *testing.T) {
	md := MockIoDriver{}
	md.Setup(context.Background(), []uint16{1}, []uint16{})

	in, err := md.GetInput(1)
	if err != nil {
		t.Fatalf("GetInput returned err: %v", err)
	}
	state, _ := in.GetState()
	assertBools(t, state, true)

	md.SetInput(1, Low)
	state, _ = in.GetState()
	assertBools(t, state, false)

	if err := md.SetInput(9, Low); err == nil {
		t.Error("SetInput on missing pin should fail")
	}
}

func TestMockOutputSetState(t *testing.T) {
	md := MockIoDriver{}
	md.Setup(context.Background(), []uint16{}, []uint16{4})
	out, _ := md.GetOutput(4)

	want := true
	out.Set(want)
	got, _ := out.GetState()
	assertBools(t, got, want)

	want = false
	out.Set(want)
	got, _ = out.GetState()
	assertBools(t, got, want)

	if writes := out.(*MockOutput).Writes(); writes != 2 {
		t.Errorf("got %d writes want 2", writes)
	}
}

func TestMockIoSetup(t *testing.T) {
	md := MockIoDriver{}

	want := false
	got := md.IsReady()
	assertBools(t, got, want)

	md.Setup(context.Background(), []uint16{1, 3, 5}, []uint16{2, 4})
	want = true
	got = md.IsReady()
	assertBools(t, got, want)

	md.Close()
	assertBools(t, md.IsReady(), false)
}

func TestMockIoGetAllIo(t *testing.T) {
	md := MockIoDriver{}
	md.Setup(context.Background(), []uint16{1, 3, 5}, []uint16{2, 4})
	inputs, outputs := md.GetAllIo()
	assertUint16Slices(t, inputs, []uint16{1, 3, 5})
	assertUint16Slices(t, outputs, []uint16{2, 4})
}

func TestMockFailures(t *testing.T) {
	md := MockIoDriver{}
	md.Setup(context.Background(), []uint16{1}, []uint16{2})
	in, _ := md.GetInput(1)
	out, _ := md.GetOutput(2)

	md.FailReads = true
	if _, err := in.GetState(); err == nil {
		t.Error("expected read failure")
	}

	md.FailWrites = true
	if err := out.Set(true); err == nil {
		t.Error("expected write failure")
	}
	state, _ := out.GetState()
	assertBools(t, state, false)
}

func TestMockMonitorStateChanges(t *testing.T) {
	md := MockIoDriver{}
	md.Setup(context.Background(), []uint16{}, []uint16{3})
	buf := &bytes.Buffer{}
	md.MonitorStateChanges(buf)

	out, _ := md.GetOutput(3)
	out.Set(true)
	out.Set(true)

	want := "[pin 3] state changed to true\n"
	if buf.String() != want {
		t.Errorf("got %q want %q", buf.String(), want)
	}
}
