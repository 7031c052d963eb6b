package oracle

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Command codes of the prediction-server protocol. Each request starts with a
// little-endian int32 command; the numbering is fixed by the server.
const (
	cmdLastProcessedTime int32 = 0
	cmdPredict           int32 = 1
	cmdDeals             int32 = 2
	cmdSave              int32 = 3
	cmdMetadata          int32 = 4
	cmdVolume            int32 = 5
	cmdSetVolume         int32 = 6
	cmdLastDirection     int32 = 7
)

// Request time format ("yyyyMMddHHmmss") and response time format
// ("dd/MM/yyHHmmss") differ; both are server-defined.
const (
	requestTimeLayout  = "20060102150405"
	responseTimeLayout = "02/01/06150405"
	responseTimeLen    = 14
)

// frame builds one request buffer field by field. Numeric fields are
// little-endian; strings are raw ASCII with no terminator, so a variable
// string can only be the trailing field.
type frame struct {
	buf []byte
}

func newFrame(cmd int32) *frame {
	f := &frame{buf: make([]byte, 0, 64)}
	f.putInt32(cmd)
	return f
}

func (f *frame) putInt32(v int32) *frame {
	f.buf = binary.LittleEndian.AppendUint32(f.buf, uint32(v))
	return f
}

func (f *frame) putFloat32(d decimal.Decimal) *frame {
	f.buf = binary.LittleEndian.AppendUint32(f.buf, math.Float32bits(float32(d.InexactFloat64())))
	return f
}

func (f *frame) putFloat64(d decimal.Decimal) *frame {
	f.buf = binary.LittleEndian.AppendUint64(f.buf, math.Float64bits(d.InexactFloat64()))
	return f
}

func (f *frame) putASCII(s string) *frame {
	f.buf = append(f.buf, s...)
	return f
}

// putSeriesKey appends the (timeframe, skipCoefficient, ticker) triple that
// identifies a series to the server. The ticker is the trailing field.
func (f *frame) putSeriesKey(symbol string, timeframe int, skip decimal.Decimal) *frame {
	f.putInt32(int32(timeframe))
	f.putFloat32(skip)
	f.putASCII(strings.ToLower(symbol))
	return f
}

func (f *frame) bytes() []byte {
	return f.buf
}
