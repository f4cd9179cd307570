package weekcount

import "github.com/KunoSayo/how-long-until-next-teacon-opens/store"

// Failure kinds surfaced by Counter methods. Match them with errors.Is.
var (
	ErrStorage       = store.ErrStorage
	ErrSerialization = store.ErrSerialization
	ErrTimestamp     = store.ErrTimestamp
)
