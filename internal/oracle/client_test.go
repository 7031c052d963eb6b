package oracle

import (
	"encoding/binary"
	"math"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"main/pkg/uds"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestPredictFrameLayout(t *testing.T) {
	ts := time.Date(2023, 5, 1, 12, 34, 56, 0, time.UTC)
	got := newFrame(cmdPredict).
		putFloat32(dec("1.5")).
		putFloat32(dec("42000.5")).
		putASCII(ts.Format(requestTimeLayout)).
		putFloat32(dec("0.25")).
		putInt32(15).
		putFloat32(dec("0.5")).
		putInt32(1).
		putASCII("btcusdt").
		bytes()

	var want []byte
	want = binary.LittleEndian.AppendUint32(want, uint32(cmdPredict))
	want = binary.LittleEndian.AppendUint32(want, math.Float32bits(1.5))
	want = binary.LittleEndian.AppendUint32(want, math.Float32bits(42000.5))
	want = append(want, "20230501123456"...)
	want = binary.LittleEndian.AppendUint32(want, math.Float32bits(0.25))
	want = binary.LittleEndian.AppendUint32(want, 15)
	want = binary.LittleEndian.AppendUint32(want, math.Float32bits(0.5))
	want = binary.LittleEndian.AppendUint32(want, 1)
	want = append(want, "btcusdt"...)

	if len(got) != len(want) {
		t.Fatalf("frame length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame byte %d = %#02x, want %#02x\ngot:  %x\nwant: %x", i, got[i], want[i], got, want)
		}
	}
}

func TestSeriesKeyFrameLayout(t *testing.T) {
	got := newFrame(cmdLastDirection).putSeriesKey("ETHUSDT", 5, dec("0.3")).bytes()

	var want []byte
	want = binary.LittleEndian.AppendUint32(want, uint32(cmdLastDirection))
	want = binary.LittleEndian.AppendUint32(want, 5)
	want = binary.LittleEndian.AppendUint32(want, math.Float32bits(0.3))
	want = append(want, "ethusdt"...)

	if string(got) != string(want) {
		t.Fatalf("frame mismatch\ngot:  %x\nwant: %x", got, want)
	}
}

// fakeServer answers one request on the server side of a pipe. It checks the
// leading command code and replies with the given payload.
func fakeServer(t *testing.T, conn net.Conn, wantCmd int32, reply []byte) <-chan []byte {
	t.Helper()
	reqCh := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 4096)
		n, err := conn.Read(buf)
		if err != nil {
			t.Errorf("server read: %v", err)
			return
		}
		req := buf[:n]
		if cmd := int32(binary.LittleEndian.Uint32(req[:4])); cmd != wantCmd {
			t.Errorf("command = %d, want %d", cmd, wantCmd)
		}
		reqCh <- req
		if _, err := conn.Write(reply); err != nil {
			t.Errorf("server write: %v", err)
		}
	}()
	return reqCh
}

func TestLastProcessedTime(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := NewClient(client, time.Second, nil)
	defer c.Close()

	fakeServer(t, server, cmdLastProcessedTime, []byte("01/05/23123456"))

	got, err := c.LastProcessedTime("BTCUSDT", 15, dec("0.5"))
	if err != nil {
		t.Fatalf("LastProcessedTime: %v", err)
	}
	want := time.Date(2023, 5, 1, 12, 34, 56, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("time = %v, want %v", got, want)
	}
}

func TestVolumeRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := NewClient(client, time.Second, nil)
	defer c.Close()

	reply := binary.LittleEndian.AppendUint64(nil, math.Float64bits(0.125))
	fakeServer(t, server, cmdVolume, reply)

	got, err := c.Volume("BTCUSDT", 15, dec("0.5"))
	if err != nil {
		t.Fatalf("Volume: %v", err)
	}
	if !got.Equal(dec("0.125")) {
		t.Fatalf("volume = %s, want 0.125", got)
	}
}

func TestSetVolumeFrame(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := NewClient(client, time.Second, nil)
	defer c.Close()

	reqCh := fakeServer(t, server, cmdSetVolume, []byte{0, 0, 0, 0})

	if err := c.SetVolume(dec("2.5"), "BTCUSDT", 15, dec("0.5")); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	req := <-reqCh
	if got := math.Float64frombits(binary.LittleEndian.Uint64(req[4:12])); got != 2.5 {
		t.Fatalf("volume field = %v, want 2.5", got)
	}
	if got := string(req[len(req)-7:]); got != "btcusdt" {
		t.Fatalf("ticker field = %q, want btcusdt", got)
	}
}

func TestLastDirection(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := NewClient(client, time.Second, nil)
	defer c.Close()

	neg := int32(-1)
	reply := binary.LittleEndian.AppendUint32(nil, uint32(neg))
	fakeServer(t, server, cmdLastDirection, reply)

	got, err := c.LastDirection("BTCUSDT", 15, dec("0.5"))
	if err != nil {
		t.Fatalf("LastDirection: %v", err)
	}
	if got != -1 {
		t.Fatalf("direction = %d, want -1", got)
	}
}

func TestPredictRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := NewClient(client, time.Second, nil)
	defer c.Close()

	reply := binary.LittleEndian.AppendUint32(nil, 1)
	fakeServer(t, server, cmdPredict, reply)

	ts := time.Date(2023, 5, 1, 12, 45, 0, 0, time.UTC)
	got, err := c.Predict(dec("1.5"), dec("42000.5"), ts, dec("0.25"), "BTCUSDT", 15, dec("0.5"), true)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if got != 1 {
		t.Fatalf("direction = %d, want 1", got)
	}
}

func TestMetadata(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := NewClient(client, time.Second, nil)
	defer c.Close()

	payload := []byte(`{"ETHUSDT":{"5":{"0.3":{}}},"BTCUSDT":{"15":{"0.5":{}},"5":{"0.2":{}}}}`)
	fakeServer(t, server, cmdMetadata, payload)

	got, err := c.Metadata()
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	want := []Series{
		{Symbol: "BTCUSDT", Timeframe: 5, SkipCoeff: dec("0.2")},
		{Symbol: "BTCUSDT", Timeframe: 15, SkipCoeff: dec("0.5")},
		{Symbol: "ETHUSDT", Timeframe: 5, SkipCoeff: dec("0.3")},
	}
	if len(got) != len(want) {
		t.Fatalf("series count = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Symbol != want[i].Symbol || got[i].Timeframe != want[i].Timeframe || !got[i].SkipCoeff.Equal(want[i].SkipCoeff) {
			t.Fatalf("series[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestBadTimeResponse(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := NewClient(client, time.Second, nil)
	defer c.Close()

	fakeServer(t, server, cmdLastProcessedTime, []byte("nonsense here!"))

	if _, err := c.LastProcessedTime("BTCUSDT", 15, dec("0.5")); err == nil {
		t.Fatal("expected parse error for malformed time response")
	}
}

func TestDialOverSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "oracle.sock")
	server, err := uds.NewServer(socketPath)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := server.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer server.Close()

	go func() {
		conn, err := server.Accept()
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		neg := int32(-1)
		reqCh := fakeServer(t, conn, cmdLastDirection, binary.LittleEndian.AppendUint32(nil, uint32(neg)))
		<-reqCh
	}()

	c, err := Dial(socketPath, time.Second, time.Second, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	direction, err := c.LastDirection("BTCUSDT", 5, dec("0.2"))
	if err != nil {
		t.Fatalf("LastDirection: %v", err)
	}
	if direction != -1 {
		t.Fatalf("direction = %d, want -1", direction)
	}
}
