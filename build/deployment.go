// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package build

// DeploymentType distinguishes release binaries from development builds
// (unit tests, itests, local daemons).
type DeploymentType byte

const (
	// Development is used for test and developer builds.
	Development DeploymentType = iota

	// Production is used for release binaries.
	Production
)

// String returns the name of the deployment type.
func (t DeploymentType) String() string {
	switch t {
	case Development:
		return "development"
	case Production:
		return "production"
	default:
		return "unknown"
	}
}
