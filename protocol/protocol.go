// Package protocol defines the closed set of supported protocol revisions
// and the feature negotiation that maps a client-declared revision onto the
// optional wire behaviors a session may use.
package protocol

// Revision tokens, oldest first. The set is closed: a new revision is a code
// change, not configuration.
const (
	// VersionBaseline is the oldest supported revision. Unknown or missing
	// client declarations fall back here to maximize backward compatibility.
	VersionBaseline = "2024-10-07"
	// VersionCursors adds cursor/pagination token support on list-shaped
	// results.
	VersionCursors = "2025-02-11"
	// VersionLatest additionally honors extended metadata fields on requests
	// and notifications.
	VersionLatest = "2025-06-18"
)

// SupportedVersions returns the closed revision set, oldest first.
func SupportedVersions() []string {
	return []string{VersionBaseline, VersionCursors, VersionLatest}
}

// FeatureSet captures the wire behaviors negotiated for one session. It is
// attached to the session at creation and never changes mid-session.
type FeatureSet struct {
	// Version is the negotiated revision token, echoed back to the client.
	Version string `json:"version"`
	// Cursors gates whether cursor/pagination tokens are honored.
	Cursors bool `json:"cursors"`
	// ExtendedMeta gates whether extended metadata fields are honored.
	ExtendedMeta bool `json:"extendedMeta"`
}

// Negotiate maps the client's declared revision to a FeatureSet. Unknown and
// empty declarations negotiate down to the baseline rather than failing the
// request.
func Negotiate(requested string) FeatureSet {
	switch requested {
	case VersionLatest:
		return FeatureSet{Version: VersionLatest, Cursors: true, ExtendedMeta: true}
	case VersionCursors:
		return FeatureSet{Version: VersionCursors, Cursors: true}
	default:
		return FeatureSet{Version: VersionBaseline}
	}
}

// IsSupported reports whether the token names a revision this server knows.
func IsSupported(version string) bool {
	for _, v := range SupportedVersions() {
		if v == version {
			return true
		}
	}
	return false
}
