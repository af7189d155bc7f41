package domain

// Metadata is free-form key/value data attached to aggregates.
type Metadata map[string]any

// Platform identifies the mobile OS a run targets.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// NormalizePlatform maps free-form platform values to canonical ones.
func NormalizePlatform(value string) Platform {
	switch value {
	case string(PlatformIOS), "apple":
		return PlatformIOS
	case string(PlatformAndroid):
		return PlatformAndroid
	default:
		return ""
	}
}

// StoreKind identifies the distribution channel a submission targets.
type StoreKind string

const (
	StoreAppStore  StoreKind = "app_store"
	StorePlayStore StoreKind = "play_store"
	StoreFirebase  StoreKind = "firebase"
)

// RequiresReview reports whether the store gates releases behind review.
func (k StoreKind) RequiresReview() bool {
	return k == StoreAppStore
}

// Valid reports whether the store kind is one of the supported channels.
func (k StoreKind) Valid() bool {
	switch k {
	case StoreAppStore, StorePlayStore, StoreFirebase:
		return true
	default:
		return false
	}
}
