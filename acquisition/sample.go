package acquisition

import (
	"strconv"
)

// TimeLayout is the layout of Sample.AbsoluteTime
const TimeLayout = "2006-01-02 15:04:05"

// Float is a reading which may be absent.  The zero value is absent.
type Float struct {
	Value float64
	Valid bool
}

// Some returns a present Float
func Some(v float64) Float {
	return Float{Value: v, Valid: true}
}

// String formats the value, or returns "" if absent
func (f Float) String() string {
	if !f.Valid {
		return ""
	}
	return strconv.FormatFloat(f.Value, 'g', -1, 64)
}

// MarshalJSON encodes an absent value as null
func (f Float) MarshalJSON() ([]byte, error) {
	if !f.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatFloat(f.Value, 'g', -1, 64)), nil
}

// Int is an integer which may be absent.  The zero value is absent.
type Int struct {
	Value int
	Valid bool
}

// SomeInt returns a present Int
func SomeInt(v int) Int {
	return Int{Value: v, Valid: true}
}

// String formats the value, or returns "" if absent
func (i Int) String() string {
	if !i.Valid {
		return ""
	}
	return strconv.Itoa(i.Value)
}

// MarshalJSON encodes an absent value as null
func (i Int) MarshalJSON() ([]byte, error) {
	if !i.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.Itoa(i.Value)), nil
}

// Sample is one merged row of the record.  Each instrument field is absent
// independently of the others.
type Sample struct {
	AbsoluteTime string  `json:"absolute_time"`
	ElapsedTime  float64 `json:"elapsed_time"`
	Voltage      Float   `json:"voltage"`
	Current      Float   `json:"current"`
	PH           Float   `json:"pH"`
	Temperature  Float   `json:"temperature"`
	Cycle        Int     `json:"cycle_number"`
}
