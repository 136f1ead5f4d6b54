package measurement

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrDecode is matched by every decode failure.
var ErrDecode = errors.New("measurement: decode error")

// DecodeError describes where a region stopped making sense.
type DecodeError struct {
	Field  string
	Offset int
	Need   int // bytes the field needs
	Have   int // bytes left at Offset
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("measurement: %s at offset %d: %s", e.Field, e.Offset, e.Reason)
	}
	return fmt.Sprintf("measurement: %s at offset %d needs %d bytes, have %d", e.Field, e.Offset, e.Need, e.Have)
}

func (e *DecodeError) Unwrap() error { return ErrDecode }

// FlagsSize is the width of the little-endian flags prefix of a region.
const FlagsSize = 3

// Resolution holds the per-raw-unit resolution of weight-family and height
// fields for both unit systems. The device's feature characteristic may
// advertise finer values than DefaultResolution.
type Resolution struct {
	Kilogram decimal.Decimal
	Pound    decimal.Decimal
	Meter    decimal.Decimal
	Inch     decimal.Decimal
}

// DefaultResolution is 0.005 kg, 0.01 lb, 0.001 m and 0.1 in.
var DefaultResolution = Resolution{
	Kilogram: decimal.New(5, -3),
	Pound:    decimal.New(1, -2),
	Meter:    decimal.New(1, -3),
	Inch:     decimal.New(1, -1),
}

var (
	tenth      = decimal.New(1, -1)
	thousandth = decimal.New(1, -3) // 0.1 × 0.01
	half       = decimal.New(5, -1)
)

const (
	placesThree int32 = 3
	placesOne   int32 = 1
)

// region is the decoding state for one flags-prefixed buffer.
type region struct {
	rec    *Record
	weight decimal.Decimal
	height decimal.Decimal
}

// Field is one entry of the canonical field table.
type Field struct {
	Flag  Flags
	Name  string
	Width int
	apply func(r *region, b []byte) error
}

func u16(b []byte) uint32 { return uint32(binary.LittleEndian.Uint16(b)) }

// Fields is the canonical decode order. Position in the slice equals bit
// position in the flags.
var Fields = []Field{
	{FlagImperialUnit, "imperial unit", 0, nil},
	{FlagSequenceNumber, "sequence number", 2, func(r *region, b []byte) error {
		r.rec.SequenceNumber = binary.LittleEndian.Uint16(b)
		return nil
	}},
	{FlagWeight, "weight", 2, func(r *region, b []byte) error {
		r.rec.Weight = scale(u16(b), r.weight, placesThree)
		return nil
	}},
	{FlagTimestamp, "timestamp", 7, func(r *region, b []byte) error {
		ts, err := decodeTimestamp(b)
		if err != nil {
			return err
		}
		r.rec.Timestamp = ts
		return nil
	}},
	{FlagUserID, "user id", 1, func(r *region, b []byte) error {
		r.rec.UserID = b[0]
		return nil
	}},
	{FlagBMIAndHeight, "bmi and height", 4, func(r *region, b []byte) error {
		r.rec.BMI = scale(u16(b), tenth, placesThree)
		r.rec.Height = scale(u16(b[2:]), r.height, placesOne)
		return nil
	}},
	{FlagBodyFatPercentage, "body fat percentage", 2, func(r *region, b []byte) error {
		r.rec.BodyFatPercentage = scale(u16(b), thousandth, placesThree)
		return nil
	}},
	{FlagBasalMetabolism, "basal metabolism", 2, func(r *region, b []byte) error {
		r.rec.BasalMetabolism = binary.LittleEndian.Uint16(b)
		return nil
	}},
	{FlagMusclePercentage, "muscle percentage", 2, func(r *region, b []byte) error {
		r.rec.MusclePercentage = scale(u16(b), thousandth, placesThree)
		return nil
	}},
	{FlagMuscleMass, "muscle mass", 2, func(r *region, b []byte) error {
		r.rec.MuscleMass = scale(u16(b), r.weight, placesThree)
		return nil
	}},
	{FlagFatFreeMass, "fat free mass", 2, func(r *region, b []byte) error {
		r.rec.FatFreeMass = scale(u16(b), r.weight, placesThree)
		return nil
	}},
	{FlagSoftLeanMass, "soft lean mass", 2, func(r *region, b []byte) error {
		r.rec.SoftLeanMass = scale(u16(b), r.weight, placesThree)
		return nil
	}},
	{FlagBodyWaterMass, "body water mass", 2, func(r *region, b []byte) error {
		r.rec.BodyWaterMass = scale(u16(b), r.weight, placesThree)
		return nil
	}},
	{FlagImpedance, "impedance", 2, func(r *region, b []byte) error {
		r.rec.Impedance = scale(u16(b), tenth, placesThree)
		return nil
	}},
	{FlagSkeletalMusclePercentage, "skeletal muscle percentage", 2, func(r *region, b []byte) error {
		r.rec.SkeletalMusclePercentage = scale(u16(b), thousandth, placesThree)
		return nil
	}},
	{FlagVisceralFatLevel, "visceral fat level", 1, func(r *region, b []byte) error {
		r.rec.VisceralFatLevel = scale(uint32(b[0]), half, placesThree)
		return nil
	}},
	{FlagBodyAge, "body age", 1, func(r *region, b []byte) error {
		r.rec.BodyAge = b[0]
		return nil
	}},
	{FlagBodyFatStageEvaluation, "body fat stage evaluation", 1, func(r *region, b []byte) error {
		r.rec.BodyFatStageEvaluation = b[0]
		return nil
	}},
	{FlagSkeletalMuscleStageEvaluation, "skeletal muscle stage evaluation", 1, func(r *region, b []byte) error {
		r.rec.SkeletalMuscleStageEvaluation = b[0]
		return nil
	}},
	{FlagVisceralFatStageEvaluation, "visceral fat stage evaluation", 1, func(r *region, b []byte) error {
		r.rec.VisceralFatStageEvaluation = b[0]
		return nil
	}},
	{FlagMultiplePacket, "multiple packet", 0, nil},
}

// Parse decodes a record from its first region and an optional continuation
// region. Both regions carry their own flags and are walked independently.
func Parse(data1, data2 []byte) (*Record, error) {
	return ParseWith(DefaultResolution, data1, data2)
}

// ParseWith is Parse with explicit unit resolutions.
func ParseWith(res Resolution, data1, data2 []byte) (*Record, error) {
	rec := &Record{}
	if err := parseRegion(rec, res, data1); err != nil {
		return nil, err
	}
	if len(data2) > 0 {
		if err := parseRegion(rec, res, data2); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// RegionSize returns the number of bytes a region with the given flags
// occupies, flags prefix included.
func RegionSize(flags Flags) int {
	n := FlagsSize
	for _, f := range Fields {
		if flags&f.Flag != 0 {
			n += f.Width
		}
	}
	return n
}

func parseRegion(rec *Record, res Resolution, data []byte) error {
	if len(data) < FlagsSize {
		return &DecodeError{Field: "flags", Offset: 0, Need: FlagsSize, Have: len(data)}
	}
	flags := Flags(uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16)
	rec.Flags |= flags

	r := &region{rec: rec}
	if flags&FlagImperialUnit != 0 {
		r.weight, r.height = res.Pound, res.Inch
		rec.WeightUnit, rec.HeightUnit = UnitPound, UnitInch
	} else {
		r.weight, r.height = res.Kilogram, res.Meter
		rec.WeightUnit, rec.HeightUnit = UnitKilogram, UnitMeter
	}

	offset := FlagsSize
	for _, f := range Fields {
		if flags&f.Flag == 0 || f.Width == 0 {
			continue
		}
		if len(data)-offset < f.Width {
			return &DecodeError{Field: f.Name, Offset: offset, Need: f.Width, Have: len(data) - offset}
		}
		if err := f.apply(r, data[offset:offset+f.Width]); err != nil {
			return &DecodeError{Field: f.Name, Offset: offset, Reason: err.Error()}
		}
		offset += f.Width
	}
	if offset != len(data) {
		return &DecodeError{
			Field:  "trailer",
			Offset: offset,
			Reason: fmt.Sprintf("%d unexpected bytes after flagged fields", len(data)-offset),
		}
	}
	return nil
}

// decodeTimestamp reads year(2) month day hour minute second as a UTC
// wall-clock time.
func decodeTimestamp(b []byte) (int64, error) {
	year := int(binary.LittleEndian.Uint16(b))
	month, day := int(b[2]), int(b[3])
	hour, minute, second := int(b[4]), int(b[5]), int(b[6])
	if month < 1 || month > 12 || day < 1 || hour > 23 || minute > 59 || second > 59 {
		return 0, fmt.Errorf("invalid date %04d-%02d-%02d %02d:%02d:%02d", year, month, day, hour, minute, second)
	}
	t := time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)
	if t.Day() != day {
		return 0, fmt.Errorf("invalid date %04d-%02d-%02d", year, month, day)
	}
	return t.Unix(), nil
}
