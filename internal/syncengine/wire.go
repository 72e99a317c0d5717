package syncengine

import (
	"encoding/json"
	"fmt"

	"github.com/clawinfra/satchel/internal/types"
)

// sealedPayload is the wire form of an encrypted payload. encoding/json
// base64s the ciphertext, so the wrapper stays valid JSON end to end.
type sealedPayload struct {
	Ciphertext []byte `json:"ciphertext"`
}

// encryptPayload returns a wire copy of the entity with its payload
// sealed. Pass-through when encryption is off or there is no payload.
func (e *Engine) encryptPayload(ent *types.Entity) (*types.Entity, error) {
	if !e.cfg.EncryptPayloads || e.enc == nil || len(ent.Payload) == 0 {
		return ent, nil
	}
	ct, err := e.enc.Encrypt(ent.Payload)
	if err != nil {
		return nil, fmt.Errorf("syncengine: encrypt payload %s: %w", ent.ID, err)
	}
	wrapped, err := json.Marshal(sealedPayload{Ciphertext: ct})
	if err != nil {
		return nil, fmt.Errorf("syncengine: seal payload %s: %w", ent.ID, err)
	}
	out := ent.Clone()
	out.Payload = wrapped
	return out, nil
}

// decryptPayload returns an owned copy of the entity with its payload
// unsealed. Plaintext payloads pass through untouched, so a fleet can
// turn encryption on without re-writing history.
func (e *Engine) decryptPayload(wire *types.Entity) (*types.Entity, error) {
	out := wire.Clone()
	if !e.cfg.EncryptPayloads || e.enc == nil || len(out.Payload) == 0 {
		return out, nil
	}
	var sealed sealedPayload
	if err := json.Unmarshal(out.Payload, &sealed); err != nil || len(sealed.Ciphertext) == 0 {
		return out, nil
	}
	pt, err := e.enc.Decrypt(sealed.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("syncengine: decrypt payload %s: %w", wire.ID, err)
	}
	out.Payload = pt
	return out, nil
}
