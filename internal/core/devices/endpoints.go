package devices

import "maps"

// Type is the vendor deviceType of a directory entry.
type Type string

const (
	TypeWaterFountain Type = "PURE3"
	TypeFeeder        Type = "FEEDER"
	TypeLitterBox     Type = "SCOOPER"
)

// Known reports whether the aggregator builds records for t.
func (t Type) Known() bool {
	switch t {
	case TypeWaterFountain, TypeFeeder, TypeLitterBox:
		return true
	}
	return false
}

// Endpoints is the immutable table of vendor API paths, keyed by device
// type where the path differs per family.
type Endpoints struct {
	OwnedList  string
	SharedList string

	Detail   map[Type]string
	Log      map[Type]string
	LogNode  map[Type]string
	Wifi     map[Type]string
	CatStats map[Type]string
}

// DefaultEndpoints returns the production endpoint table.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		OwnedList:  "token/device/union/ownList",
		SharedList: "token/device/union/sharedList",
		Detail: map[Type]string{
			TypeWaterFountain: "token/device/purepro/pure3/detail",
			TypeFeeder:        "token/device/feeder/detail",
			TypeLitterBox:     "token/device/info",
		},
		Log: map[Type]string{
			TypeWaterFountain: "token/device/purepro/stats/log/top5",
			TypeFeeder:        "token/device/feeder/stats/log/top5",
			TypeLitterBox:     "token/device/scooper/stats/log/top5",
		},
		LogNode: map[Type]string{
			TypeWaterFountain: "pureLogTop5",
			TypeFeeder:        "feederLogTop5",
			TypeLitterBox:     "scooperLogTop5",
		},
		Wifi: map[Type]string{
			TypeWaterFountain: "token/device/purepro/wifi/info",
			TypeFeeder:        "token/device/feeder/wifi/info",
			TypeLitterBox:     "token/device/scooper/wifi/info",
		},
		CatStats: map[Type]string{
			TypeWaterFountain: "token/device/purepro/stats/catDataList",
		},
	}
}

// clone deep-copies the per-type maps so callers cannot mutate a client's table.
func (e Endpoints) clone() Endpoints {
	e.Detail = maps.Clone(e.Detail)
	e.Log = maps.Clone(e.Log)
	e.LogNode = maps.Clone(e.LogNode)
	e.Wifi = maps.Clone(e.Wifi)
	e.CatStats = maps.Clone(e.CatStats)
	return e
}
