package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrUnauthorized    = "E_UNAUTHORIZED"

	// World loop availability.
	ErrWorldBusy = "E_WORLD_BUSY"

	// Plot operations, see plot.Code.
	ErrBadRequest = "E_BAD_REQUEST"
	ErrConflict   = "E_CONFLICT"
	ErrNotFound   = "E_NOT_FOUND"
	ErrCorrupt    = "E_CORRUPT"
	ErrInternal   = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrUnauthorized:    {},
	ErrWorldBusy:       {},
	ErrBadRequest:      {},
	ErrConflict:        {},
	ErrNotFound:        {},
	ErrCorrupt:         {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
