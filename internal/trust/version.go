package trust

// CurrentProtocolVersion is the compatibility tag stamped into every
// PublicKeyInfo this build produces.
const CurrentProtocolVersion = 3

// Compatible reports whether two protocol versions can handshake.
// Versions must match exactly; there is no cross-version negotiation.
func Compatible(a, b int) bool {
	return a == b
}
