package version

// version is the version of the gateway control plane.
//
// This value is expected to be set via build-time injection:
// -ldflags "-X github.com/dove-platform/dgw/controlplane/internal/version.version=...".
var version string

// Version returns the version of the gateway control plane, "dev" for
// builds without injection.
func Version() string {
	if version == "" {
		return "dev"
	}
	return version
}
