package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DataKind discriminates the Data union.
type DataKind int

const (
	DataKindUnset DataKind = iota
	DataKindPosition
	DataKindSpeed
	DataKindSteeringAngle
	DataKindLidar
	DataKindCamera
	DataKindDamage
	DataKindRoadCenterDistance
	DataKindCarToLaneAngle
	DataKindBoundingBox
	DataKindRoadEdges
	DataKindError
)

var dataKindNames = map[DataKind]string{
	DataKindUnset:              "unset",
	DataKindPosition:           "position",
	DataKindSpeed:              "speed",
	DataKindSteeringAngle:      "steeringAngle",
	DataKindLidar:              "lidar",
	DataKindCamera:             "camera",
	DataKindDamage:             "damage",
	DataKindRoadCenterDistance: "roadCenterDistance",
	DataKindCarToLaneAngle:     "carToLaneAngle",
	DataKindBoundingBox:        "boundingBox",
	DataKindRoadEdges:          "roadEdges",
	DataKindError:              "error",
}

func (k DataKind) String() string {
	if name, ok := dataKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("DataKind(%d)", int(k))
}

// ParseDataKind maps a wire name onto a DataKind. DataKindUnset is never
// returned for a known name.
func ParseDataKind(name string) (DataKind, error) {
	for k, n := range dataKindNames {
		if n == name && k != DataKindUnset {
			return k, nil
		}
	}
	return DataKindUnset, fmt.Errorf("unknown data kind %q", name)
}

func (k DataKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *DataKind) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	if name == dataKindNames[DataKindUnset] {
		*k = DataKindUnset
		return nil
	}
	parsed, err := ParseDataKind(name)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Point is a 2D world coordinate in metres.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Point3 is a 3D world coordinate in metres.
type Point3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Speed struct {
	Speed float64 `json:"speed"` // m/s
}

type SteeringAngle struct {
	Angle float64 `json:"angle"`
}

type Lidar struct {
	Points []float64 `json:"points"`
}

// Camera carries encoded frames. The core never decodes them.
type Camera struct {
	Color     []byte `json:"color,omitempty"`
	Annotated []byte `json:"annotated,omitempty"`
	Depth     []byte `json:"depth,omitempty"`
}

type Damage struct {
	IsDamaged bool `json:"is_damaged"`
}

type RoadCenterDistance struct {
	RoadID   string  `json:"road_id"`
	Distance float64 `json:"distance"`
}

type CarToLaneAngle struct {
	LaneID string  `json:"lane_id"`
	Angle  float64 `json:"angle"`
}

type BoundingBox struct {
	Corners []Point3 `json:"corners"`
}

type RoadEdge struct {
	Left  []Point `json:"left_points"`
	Right []Point `json:"right_points"`
}

type RoadEdges struct {
	Edges map[string]RoadEdge `json:"edges"`
}

// DataError substitutes for any other payload when a single item could not
// be resolved.
type DataError struct {
	Message string `json:"message"`
}

// Data is one typed telemetry payload. Exactly one payload field is set and
// it must agree with Kind.
type Data struct {
	Kind DataKind `json:"kind"`

	Position           *Position           `json:"position,omitempty"`
	Speed              *Speed              `json:"speed,omitempty"`
	SteeringAngle      *SteeringAngle      `json:"steeringAngle,omitempty"`
	Lidar              *Lidar              `json:"lidar,omitempty"`
	Camera             *Camera             `json:"camera,omitempty"`
	Damage             *Damage             `json:"damage,omitempty"`
	RoadCenterDistance *RoadCenterDistance `json:"roadCenterDistance,omitempty"`
	CarToLaneAngle     *CarToLaneAngle     `json:"carToLaneAngle,omitempty"`
	BoundingBox        *BoundingBox        `json:"boundingBox,omitempty"`
	RoadEdges          *RoadEdges          `json:"roadEdges,omitempty"`
	Error              *DataError          `json:"error,omitempty"`
}

// ErrInvalidData reports a Data value that violates the one-variant rule.
var ErrInvalidData = errors.New("invalid data payload")

// ErrorData builds an Error-variant payload.
func ErrorData(format string, args ...any) Data {
	return Data{Kind: DataKindError, Error: &DataError{Message: fmt.Sprintf(format, args...)}}
}

// IsError reports whether d is the Error variant.
func (d Data) IsError() bool {
	return d.Kind == DataKindError
}

// Validate checks that exactly one payload is set and that it matches Kind.
func (d Data) Validate() error {
	set := d.setKinds()
	switch {
	case len(set) == 0:
		return fmt.Errorf("%w: no payload set", ErrInvalidData)
	case len(set) > 1:
		return fmt.Errorf("%w: %d payloads set", ErrInvalidData, len(set))
	case set[0] != d.Kind:
		return fmt.Errorf("%w: kind %s carries %s payload", ErrInvalidData, d.Kind, set[0])
	}
	return nil
}

func (d Data) setKinds() []DataKind {
	var out []DataKind
	add := func(ok bool, k DataKind) {
		if ok {
			out = append(out, k)
		}
	}
	add(d.Position != nil, DataKindPosition)
	add(d.Speed != nil, DataKindSpeed)
	add(d.SteeringAngle != nil, DataKindSteeringAngle)
	add(d.Lidar != nil, DataKindLidar)
	add(d.Camera != nil, DataKindCamera)
	add(d.Damage != nil, DataKindDamage)
	add(d.RoadCenterDistance != nil, DataKindRoadCenterDistance)
	add(d.CarToLaneAngle != nil, DataKindCarToLaneAngle)
	add(d.BoundingBox != nil, DataKindBoundingBox)
	add(d.RoadEdges != nil, DataKindRoadEdges)
	add(d.Error != nil, DataKindError)
	return out
}

// DataRequest lists the request identifiers whose payloads are wanted.
type DataRequest struct {
	RequestIDs []string `json:"request_ids"`
}

// DataResponse maps every requested identifier onto exactly one payload.
type DataResponse struct {
	Data map[string]Data `json:"data"`
}
