// Package oracle implements the client side of the prediction-server
// protocol: a stateful request/response channel over a Unix domain socket
// with at most one request in flight.
package oracle

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/obs"
	"main/pkg/exception"
	"main/pkg/uds"
)

const defaultSlowCall = 4 * time.Second

// Series identifies one oracle-managed signal series.
type Series struct {
	Symbol    string
	Timeframe int
	SkipCoeff decimal.Decimal
}

// Client talks to the prediction server. A mutex serializes all methods on
// one connection: a full request/response turnaround completes before the
// next request is written.
type Client struct {
	mu       sync.Mutex
	conn     net.Conn
	closed   bool
	slowCall time.Duration
	metrics  *obs.Metrics
}

// Dial connects to the oracle socket, waiting up to dialTimeout for the
// server to come up.
func Dial(socketPath string, dialTimeout, slowCall time.Duration, metrics *obs.Metrics) (*Client, error) {
	cli, err := uds.NewClient(socketPath)
	if err != nil {
		return nil, err
	}
	conn, err := cli.DialRetry(dialTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial oracle socket %s", socketPath)
	}
	return NewClient(conn, slowCall, metrics), nil
}

// NewClient wraps an established connection. Tests use it with an in-process
// socket pair.
func NewClient(conn net.Conn, slowCall time.Duration, metrics *obs.Metrics) *Client {
	if slowCall <= 0 {
		slowCall = defaultSlowCall
	}
	return &Client{
		conn:     conn,
		slowCall: slowCall,
		metrics:  metrics,
	}
}

// Close shuts the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.conn.Close()
}

// call writes req and reads the response as one serialized exchange. With
// fixed true the response is exactly respLen bytes; otherwise a single read
// into a respLen buffer, as the server writes each response in one message.
func (c *Client) call(op string, req []byte, respLen int, fixed bool) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, exception.ErrOracleClosed
	}

	start := time.Now()
	watchdog := time.AfterFunc(c.slowCall, func() {
		logs.Errorf("oracle %s call exceeds %s", op, c.slowCall)
	})
	defer func() {
		watchdog.Stop()
		c.metrics.ObserveOracleCall(time.Since(start))
	}()

	if _, err := c.conn.Write(req); err != nil {
		return nil, errors.Wrapf(err, "write %s request", op)
	}
	resp := make([]byte, respLen)
	if fixed {
		if _, err := io.ReadFull(c.conn, resp); err != nil {
			return nil, errors.Wrapf(err, "read %s response", op)
		}
		return resp, nil
	}
	n, err := c.conn.Read(resp)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s response", op)
	}
	return resp[:n], nil
}

// Metadata fetches the full instrument map the server manages:
// symbol -> timeframe -> skip coefficient. It bootstraps which signal series
// exist.
func (c *Client) Metadata() ([]Series, error) {
	resp, err := c.call("metadata", newFrame(cmdMetadata).bytes(), 4096, false)
	if err != nil {
		return nil, err
	}

	var raw map[string]map[string]map[string]json.RawMessage
	if err := json.Unmarshal(resp, &raw); err != nil {
		return nil, errors.Wrap(exception.ErrOracleBadMetadata, err.Error())
	}

	var series []Series
	for symbol, timeframes := range raw {
		for tfKey, skips := range timeframes {
			timeframe, err := strconv.Atoi(tfKey)
			if err != nil {
				return nil, errors.Wrapf(exception.ErrOracleBadMetadata, "timeframe %q", tfKey)
			}
			for skipKey := range skips {
				skip, err := decimal.NewFromString(skipKey)
				if err != nil {
					return nil, errors.Wrapf(exception.ErrOracleBadMetadata, "skip coefficient %q", skipKey)
				}
				series = append(series, Series{Symbol: symbol, Timeframe: timeframe, SkipCoeff: skip})
				break // one skip coefficient per (symbol, timeframe)
			}
		}
	}
	sort.Slice(series, func(i, j int) bool {
		if series[i].Symbol != series[j].Symbol {
			return series[i].Symbol < series[j].Symbol
		}
		return series[i].Timeframe < series[j].Timeframe
	})
	return series, nil
}

// LastProcessedTime returns the time of the last bar the server consumed for
// the series.
func (c *Client) LastProcessedTime(symbol string, timeframe int, skip decimal.Decimal) (time.Time, error) {
	req := newFrame(cmdLastProcessedTime).putSeriesKey(symbol, timeframe, skip).bytes()
	resp, err := c.call("last-processed-time", req, responseTimeLen, true)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.ParseInLocation(responseTimeLayout, string(resp), time.UTC)
	if err != nil {
		return time.Time{}, errors.Wrap(exception.ErrOracleBadTime, string(resp))
	}
	return t, nil
}

// Volume returns the server-persisted position size for the series.
func (c *Client) Volume(symbol string, timeframe int, skip decimal.Decimal) (decimal.Decimal, error) {
	req := newFrame(cmdVolume).putSeriesKey(symbol, timeframe, skip).bytes()
	resp, err := c.call("get-volume", req, 8, true)
	if err != nil {
		return decimal.Zero, err
	}
	v := math.Float64frombits(binary.LittleEndian.Uint64(resp))
	return decimal.NewFromFloat(v).Round(10), nil
}

// SetVolume persists a new position size for the series.
func (c *Client) SetVolume(volume decimal.Decimal, symbol string, timeframe int, skip decimal.Decimal) error {
	req := newFrame(cmdSetVolume).
		putFloat64(volume).
		putSeriesKey(symbol, timeframe, skip).
		bytes()
	_, err := c.call("set-volume", req, 4, true)
	return err
}

// LastDirection returns the last direction the server produced for the
// series.
func (c *Client) LastDirection(symbol string, timeframe int, skip decimal.Decimal) (int, error) {
	req := newFrame(cmdLastDirection).putSeriesKey(symbol, timeframe, skip).bytes()
	resp, err := c.call("last-direction", req, 4, true)
	if err != nil {
		return 0, err
	}
	return int(int32(binary.LittleEndian.Uint32(resp))), nil
}

// Predict submits one macro-bar and returns the resulting direction. The save
// flag asks the server to persist its model state as part of the call.
func (c *Client) Predict(diff, closePrice decimal.Decimal, t time.Time, volume decimal.Decimal,
	symbol string, timeframe int, skip decimal.Decimal, save bool) (int, error) {
	saveFlag := int32(0)
	if save {
		saveFlag = 1
	}
	req := newFrame(cmdPredict).
		putFloat32(diff).
		putFloat32(closePrice).
		putASCII(t.UTC().Format(requestTimeLayout)).
		putFloat32(volume).
		putInt32(int32(timeframe)).
		putFloat32(skip).
		putInt32(saveFlag).
		putASCII(lower(symbol)).
		bytes()
	resp, err := c.call("predict", req, 4, true)
	if err != nil {
		return 0, err
	}
	return int(int32(binary.LittleEndian.Uint32(resp))), nil
}

// Save asks the server to persist model state for the series.
func (c *Client) Save(symbol string, timeframe int, skip decimal.Decimal) error {
	req := newFrame(cmdSave).putSeriesKey(symbol, timeframe, skip).bytes()
	_, err := c.call("save", req, 4, true)
	return err
}

func lower(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}
