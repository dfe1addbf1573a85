package standx

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/yanun0323/errors"

	"github.com/bitwii/standx-maker-hedger/pkg/exception"
)

const _loginExpiresSeconds = 604800

// wallet holds the ed25519 keypair recovered from a base58 Solana secret.
// A 64-byte secret carries seed+pubkey, a 32-byte one is the bare seed.
type wallet struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

func newWallet(secret string) (wallet, error) {
	raw, err := base58.Decode(strings.TrimPrefix(strings.TrimSpace(secret), "0x"))
	if err != nil {
		return wallet{}, errors.Wrap(err, "decode private key")
	}

	var priv ed25519.PrivateKey
	switch len(raw) {
	case ed25519.PrivateKeySize:
		priv = ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(raw)
	default:
		return wallet{}, errors.Errorf("private key must be %d or %d bytes, got %d",
			ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}

	return wallet{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

func (w wallet) address() string {
	return base58.Encode(w.pub)
}

type prepareSigninResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	SignedData string `json:"signedData"`
}

type loginResponse struct {
	Token   string `json:"token"`
	Address string `json:"address"`
}

// signinPayload is the claims section of the prepare-signin JWT. The
// server echoes these fields back inside the signature envelope.
type signinPayload struct {
	Domain    string `json:"domain"`
	Address   string `json:"address"`
	Statement string `json:"statement"`
	URI       string `json:"uri"`
	Version   string `json:"version"`
	ChainID   any    `json:"chainId"`
	Nonce     string `json:"nonce"`
	IssuedAt  string `json:"issuedAt"`
	RequestID string `json:"requestId"`
	Message   string `json:"message"`
}

// login runs the two-step offchain signin: prepare a challenge, sign its
// message with the wallet key, and exchange the signature for a session
// token.
func (c *Client) login(ctx context.Context) (string, error) {
	prepareURL := c.cfg.AuthURL + "/v1/offchain/prepare-signin?chain=" + c.cfg.Chain
	body := map[string]string{
		"address":   c.wallet.address(),
		"requestId": c.wallet.address(),
	}

	var prepared prepareSigninResponse
	if err := c.postJSON(ctx, prepareURL, "", body, &prepared); err != nil {
		return "", errors.Wrap(err, "prepare signin")
	}
	if !prepared.Success {
		return "", errors.Errorf("prepare signin rejected: %s", prepared.Message)
	}

	payload, err := decodeJWTPayload(prepared.SignedData)
	if err != nil {
		return "", err
	}

	msg := []byte(payload.Message)
	sig := ed25519.Sign(c.wallet.priv, msg)

	loginURL := c.cfg.AuthURL + "/v1/offchain/login?chain=" + c.cfg.Chain
	loginBody := map[string]any{
		"signature":      encodeSignature(payload, c.wallet.pub, sig, msg),
		"signedData":     prepared.SignedData,
		"expiresSeconds": _loginExpiresSeconds,
	}

	var result loginResponse
	if err := c.postJSON(ctx, loginURL, "", loginBody, &result); err != nil {
		return "", errors.Wrap(err, "login")
	}
	if result.Token == "" {
		return "", errors.New("login succeeded without a token")
	}
	return result.Token, nil
}

// decodeJWTPayload extracts the claims section of an unverified JWT. The
// token is only a carrier for the challenge message; the server verifies
// it on login.
func decodeJWTPayload(jwt string) (signinPayload, error) {
	parts := strings.Split(jwt, ".")
	if len(parts) != 3 {
		return signinPayload{}, errors.Errorf("malformed signin jwt with %d segments", len(parts))
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return signinPayload{}, errors.Wrap(err, "decode jwt payload")
	}
	var payload signinPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return signinPayload{}, errors.Wrap(err, "parse jwt payload")
	}
	return payload, nil
}

// encodeSignature packs the challenge fields and the raw signature into the
// base64 envelope the login endpoint expects.
func encodeSignature(p signinPayload, pub ed25519.PublicKey, sig, msg []byte) string {
	envelope := map[string]any{
		"input": map[string]any{
			"domain":    p.Domain,
			"address":   p.Address,
			"statement": p.Statement,
			"uri":       p.URI,
			"version":   p.Version,
			"chainId":   p.ChainID,
			"nonce":     p.Nonce,
			"issuedAt":  p.IssuedAt,
			"requestId": p.RequestID,
		},
		"output": map[string]any{
			"account":       map[string]any{"publicKey": byteInts(pub)},
			"signature":     byteInts(sig),
			"signedMessage": byteInts(msg),
		},
	}
	raw, _ := json.Marshal(envelope)
	return base64.StdEncoding.EncodeToString(raw)
}

func byteInts(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}

// postJSON sends a JSON body and decodes a JSON response. A non-2xx reply
// surfaces as ErrInResponseError with the response text.
func (c *Client) postJSON(ctx context.Context, url, token string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshal request body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, url, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(exception.ErrTransientNetwork, err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, "read response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Wrapf(exception.ErrInResponseError, "status %d: %s", resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrapf(err, "decode response: %s", raw)
	}
	return nil
}
