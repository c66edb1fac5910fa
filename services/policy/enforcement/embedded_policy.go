// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
This file bridges the build system and the runtime policy engine. It uses the
Go embed package to bake pii_detection_patterns.yaml directly into the compiled
binary, so the baseline rule set travels with the executable and cannot be
removed from the host filesystem.
*/

package enforcement

import (
	_ "embed"
)

// PIIDetectionPatterns holds the raw byte content of the
// 'pii_detection_patterns.yaml' file.
//
// This variable is populated at compile-time using the Go 'embed' directive.
// The embedded copy is the fallback rule set: the engine always starts from
// it, and an operator-supplied override file can replace it at runtime.
//
// Usage:
//
//	// Pass these bytes directly to yaml.Unmarshal
//	err := yaml.Unmarshal(enforcement.PIIDetectionPatterns, &targetStruct)
//
//go:embed pii_detection_patterns.yaml
var PIIDetectionPatterns []byte
