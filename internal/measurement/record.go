// Package measurement decodes Omron body-composition records as streamed by
// the vendor measurement characteristic. A record is a flags bitmask followed
// by the fields whose presence bits are set, in bit order.
package measurement

import (
	"fmt"
	"time"
)

// Flags is the presence bitmask leading every record region.
type Flags uint32

const (
	FlagImperialUnit Flags = 1 << iota
	FlagSequenceNumber
	FlagWeight
	FlagTimestamp
	FlagUserID
	FlagBMIAndHeight
	FlagBodyFatPercentage
	FlagBasalMetabolism
	FlagMusclePercentage
	FlagMuscleMass
	FlagFatFreeMass
	FlagSoftLeanMass
	FlagBodyWaterMass
	FlagImpedance
	FlagSkeletalMusclePercentage
	FlagVisceralFatLevel
	FlagBodyAge
	FlagBodyFatStageEvaluation
	FlagSkeletalMuscleStageEvaluation
	FlagVisceralFatStageEvaluation
	// FlagMultiplePacket marks a record split over several notifications.
	// It is informational only and does not change how regions are decoded.
	FlagMultiplePacket
)

// Unit names.
const (
	UnitKilogram = "kg"
	UnitPound    = "lb"
	UnitMeter    = "m"
	UnitInch     = "in"
)

// Record is one decoded body-composition reading. A field holds a meaningful
// value only if Has reports its flag.
type Record struct {
	Flags      Flags
	WeightUnit string
	HeightUnit string

	SequenceNumber           uint16
	Weight                   Fixed
	Timestamp                int64 // epoch seconds, UTC
	UserID                   uint8
	BMI                      Fixed
	Height                   Fixed
	BodyFatPercentage        Fixed
	BasalMetabolism          uint16
	MusclePercentage         Fixed
	MuscleMass               Fixed
	FatFreeMass              Fixed
	SoftLeanMass             Fixed
	BodyWaterMass            Fixed
	Impedance                Fixed
	SkeletalMusclePercentage Fixed
	VisceralFatLevel         Fixed
	BodyAge                  uint8

	BodyFatStageEvaluation        uint8
	SkeletalMuscleStageEvaluation uint8
	VisceralFatStageEvaluation    uint8
}

// Has reports whether every bit in f was present in a decoded region.
func (r *Record) Has(f Flags) bool {
	return r.Flags&f == f
}

// Time returns the measurement timestamp in UTC.
func (r *Record) Time() time.Time {
	return time.Unix(r.Timestamp, 0).UTC()
}

func (r *Record) String() string {
	return fmt.Sprintf("seq=%d user=%d weight=%s%s time=%s",
		r.SequenceNumber, r.UserID, r.Weight, r.WeightUnit, r.Time().Format(time.RFC3339))
}
