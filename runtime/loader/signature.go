package loader

import (
	"crypto/ed25519"

	"github.com/secforge/plugrun/runtime/types"
)

// verifySignature checks the manifest's detached ed25519 signature over the
// module bytes against the configured trusted keys. Any key verifying the
// signature accepts the plugin.
func verifySignature(md *types.Metadata, module []byte, trustedKeys []ed25519.PublicKey, required bool) error {
	if len(trustedKeys) == 0 {
		return nil
	}
	if len(md.Signature) == 0 {
		if required {
			return types.NewError(types.CodeValidationFailed, md.ID, "plugin is unsigned and signatures are required")
		}
		return nil
	}
	if len(md.Signature) != ed25519.SignatureSize {
		return types.NewError(types.CodeValidationFailed, md.ID, "malformed signature")
	}
	for _, key := range trustedKeys {
		if ed25519.Verify(key, module, md.Signature) {
			return nil
		}
	}
	return types.NewError(types.CodeValidationFailed, md.ID, "signature does not match any trusted key")
}
