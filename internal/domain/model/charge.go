package model

// ChargeInterval is a closed chargeable time range for a validator,
// clipped to its activation/exit window and expressed in whole UTC
// calendar days. FirstDay and LastDay are inclusive, formatted
// "2006-01-02".
type ChargeInterval struct {
	StartTime uint64 `json:"startTime"`
	EndTime   uint64 `json:"endTime"`
	FirstDay  string `json:"firstDay"`
	LastDay   string `json:"lastDay"`
	NumDays   uint64 `json:"numDays"`
}
