package store

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// recordWire is the CBOR layout of a Record. Integer keys keep the encoding
// compact; a missing key 2 means no increment timestamp.
type recordWire struct {
	Count         uint64 `cbor:"1,keyasint"`
	LastIncrement *int64 `cbor:"2,keyasint,omitempty"`
}

var (
	recordEnc cbor.EncMode
	recordDec cbor.DecMode
)

func init() {
	var err error
	recordEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	recordDec, err = cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}.DecMode()
	if err != nil {
		panic(err)
	}
}

// EncodeRecord serializes r into its stored byte form.
func EncodeRecord(r Record) ([]byte, error) {
	w := recordWire{Count: r.Count}
	if r.HasLastIncrement() {
		ns := r.LastIncrement.UnixNano()
		w.LastIncrement = &ns
	}
	b, err := recordEnc.Marshal(w)
	if err != nil {
		return nil, serializationErr("encode record", err)
	}
	return b, nil
}

// DecodeRecord parses bytes produced by EncodeRecord. A nil or empty input
// decodes to the zero Record.
func DecodeRecord(b []byte) (Record, error) {
	if len(b) == 0 {
		return Record{}, nil
	}
	var w recordWire
	if err := recordDec.Unmarshal(b, &w); err != nil {
		return Record{}, serializationErr("decode record", err)
	}
	r := Record{Count: w.Count}
	if w.LastIncrement != nil {
		r.LastIncrement = time.Unix(0, *w.LastIncrement).UTC()
	}
	return r, nil
}

// EncodeTime formats a visit or increment timestamp for storage.
func EncodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// DecodeTime parses a timestamp written by EncodeTime. Offsets other than
// UTC are accepted and normalised.
func DecodeTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, wrap("decode time", ErrTimestamp, fmt.Errorf("%q: %w", s, err))
	}
	return t.UTC(), nil
}
