// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

// Package assets embeds the owner client's static bundle, the same way
// owasp-amass/amass's resources package embeds its wordlists and scripts
// with go:embed rather than reading them off disk at runtime.
package assets

import "embed"

//go:embed static
var FS embed.FS

// Root is the subdirectory within FS the static files live under, so
// callers can http.FileServer(http.FS(sub)) without a leading "static/"
// in every served path.
const Root = "static"
