// Package plugins links every built-in secret backend into the binary.
// Import it for its side effects.
package plugins

import (
	_ "rahoogan/secure-store/secrets/awssm"
	_ "rahoogan/secure-store/secrets/azkv"
	_ "rahoogan/secure-store/secrets/filestore"
	_ "rahoogan/secure-store/secrets/gcpsm"
	_ "rahoogan/secure-store/secrets/keyring"
	_ "rahoogan/secure-store/secrets/memstore"
	_ "rahoogan/secure-store/secrets/sqlstore"
)
