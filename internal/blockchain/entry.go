package blockchain

// Entry records that owner holds stamp, issued in year.
type Entry struct {
	Owner string `json:"owner"`
	Stamp string `json:"stamp"`
	Year  int    `json:"year"`
}

func (e Entry) canonicalFields() map[string]interface{} {
	return map[string]interface{}{
		"owner": e.Owner,
		"stamp": e.Stamp,
		"year":  e.Year,
	}
}
