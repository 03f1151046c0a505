// Package crypto implements the OCB2-AES128 construction Mumble's UDP voice
// channel uses to encrypt datagrams. Block cipher primitives come from the
// standard library's crypto/aes; the OCB2 doubling/checksum/tag logic and
// the IV replay-window bookkeeping are implemented here, since no ecosystem
// package carries this specific, obsolete OCB2 variant.
//
// OCB2 has published cryptographic weaknesses. It is kept, bit-compatible,
// because the wire protocol requires it for server interoperability.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

const (
	blockSize = 16

	// HeaderSize is the length of the crypto header prefixed to every
	// encrypted UDP datagram: IV[0] followed by the first 3 bytes of the tag.
	HeaderSize = 4

	historySize    = 0x100
	resyncInterval = 5 * time.Second
	lateWindow     = 30
)

// State holds one connection's paired encrypt/decrypt OCB2 state. The raw
// AES-128 key is shared by both directions; only the IVs differ.
type State struct {
	key [blockSize]byte

	// mu guards encryptIV: any goroutine may send (and therefore encrypt),
	// but the engine goroutine is the sole decrypter, so decryptIV and
	// history need no lock of their own.
	mu        sync.Mutex
	encryptIV [blockSize]byte

	decryptIV [blockSize]byte
	history   [historySize]byte

	Good, Late, Lost, Resync uint32

	lastGood    time.Time
	lastRequest time.Time

	// RequestResync is set once 5s pass with no successful decrypt and 5s
	// since the last resync request. The engine polls it each loop
	// iteration and, when set, calls ResyncSent and emits an empty
	// CryptSetup so the server resends its nonce.
	RequestResync bool
}

// New builds crypto state from the 16-byte session key and the client/server
// nonces negotiated via CryptSetup.
func New(key, encryptIV, decryptIV [blockSize]byte, now time.Time) *State {
	return &State{
		key:         key,
		encryptIV:   encryptIV,
		decryptIV:   decryptIV,
		lastGood:    now,
		lastRequest: now,
	}
}

// Reset reinitialises IV state and counters from a fresh CryptSetup, as
// happens after a resync exchange.
func (s *State) Reset(key, encryptIV, decryptIV [blockSize]byte, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = key
	s.encryptIV = encryptIV
	s.decryptIV = decryptIV
	s.history = [historySize]byte{}
	s.Good, s.Late, s.Lost, s.Resync = 0, 0, 0, 0
	s.lastGood = now
	s.lastRequest = now
	s.RequestResync = false
}

// EncryptIV returns a copy of the current encrypt-direction IV, as sent in
// an empty CryptSetup resync request.
func (s *State) EncryptIV() [blockSize]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encryptIV
}

// ResyncSent clears the resync request flag and records the attempt time,
// called by the engine after it emits the empty CryptSetup.
func (s *State) ResyncSent(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RequestResync = false
	s.lastRequest = now
	s.Resync++
}

// UpdateDecryptIV rebases the receive IV from a server-initiated resync
// response (a CryptSetup carrying only a new server_nonce). It touches
// nothing but decryptIV and the Resync counter: no key change, no counter
// reset, no history wipe; those belong to a fresh session (New/Reset), not
// a mid-session IV rebase. decryptIV has no lock of its own because only
// the engine goroutine ever touches it, the same invariant Decrypt relies
// on.
func (s *State) UpdateDecryptIV(decryptIV [blockSize]byte) {
	s.decryptIV = decryptIV
	s.Resync++
}

// Encrypt advances the encrypt IV and returns a 4-byte header ({IV[0],
// tag[0:3]}) followed by len(plain) bytes of ciphertext.
func (s *State) Encrypt(plain []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	block, err := newBlock(s.key)
	if err != nil {
		return nil, err
	}

	advanceIV(&s.encryptIV)

	ciphertext, tag := ocbEncrypt(block, s.encryptIV, plain)

	out := make([]byte, HeaderSize+len(ciphertext))
	out[0] = s.encryptIV[0]
	out[1], out[2], out[3] = tag[0], tag[1], tag[2]
	copy(out[HeaderSize:], ciphertext)
	return out, nil
}

// Decrypt validates and decrypts src, which must be a crypto header
// followed by ciphertext (len(src) >= HeaderSize+1). It returns the
// plaintext and true on success; on any rejection (duplicate, too-old,
// replay, tag mismatch) it returns false and leaves plain nil, with the
// decrypt IV restored to its pre-call state.
func (s *State) Decrypt(src []byte, now time.Time) ([]byte, bool) {
	if len(src) < HeaderSize+1 {
		return nil, false
	}

	block, err := newBlock(s.key)
	if err != nil {
		return nil, false
	}

	saveIV := s.decryptIV
	iv := src[0]
	restore := false
	late := 0
	lost := 0

	switch {
	case (s.decryptIV[0]+1)&0xFF == iv:
		switch {
		case iv > s.decryptIV[0]:
			s.decryptIV[0] = iv
		case iv < s.decryptIV[0]:
			s.decryptIV[0] = iv
			incrementFrom(&s.decryptIV, 1)
		default:
			// iv == decryptIV[0] means a duplicate of the current packet.
			return nil, false
		}
	default:
		diff := int(iv) - int(s.decryptIV[0])
		if diff > 128 {
			diff -= 256
		} else if diff < -128 {
			diff += 256
		}

		switch {
		case iv < s.decryptIV[0] && diff > -lateWindow && diff < 0:
			late = 1
			lost = -1
			s.decryptIV[0] = iv
			restore = true
		case iv > s.decryptIV[0] && diff > -lateWindow && diff < 0:
			late = 1
			lost = -1
			s.decryptIV[0] = iv
			decrementFrom(&s.decryptIV, 1)
			restore = true
		case iv > s.decryptIV[0] && diff > 0:
			lost = int(iv) - int(s.decryptIV[0]) - 1
			s.decryptIV[0] = iv
		case iv < s.decryptIV[0] && diff > 0:
			lost = 256 - int(s.decryptIV[0]) + int(iv) - 1
			s.decryptIV[0] = iv
			incrementFrom(&s.decryptIV, 1)
		default:
			return nil, false
		}

		if s.history[s.decryptIV[0]] == s.decryptIV[1] {
			s.decryptIV = saveIV
			return nil, false
		}
	}

	plain, tag := ocbDecrypt(block, s.decryptIV, src[HeaderSize:])

	if tag[0] != src[1] || tag[1] != src[2] || tag[2] != src[3] {
		s.decryptIV = saveIV
		s.checkResync(now)
		return nil, false
	}

	s.history[s.decryptIV[0]] = s.decryptIV[1]

	if restore {
		s.decryptIV = saveIV
	}

	s.Good++
	s.Late += uint32(late)
	if lost > 0 {
		s.Lost += uint32(lost)
	}
	s.lastGood = now

	return plain, true
}

// checkResync implements the 5s-without-a-good-packet / 5s-since-last-request
// gate described alongside Decrypt.
func (s *State) checkResync(now time.Time) {
	if now.Sub(s.lastGood) >= resyncInterval && now.Sub(s.lastRequest) >= resyncInterval {
		s.RequestResync = true
	}
}

func incrementFrom(iv *[blockSize]byte, start int) {
	for i := start; i < blockSize; i++ {
		iv[i]++
		if iv[i] != 0 {
			break
		}
	}
}

func decrementFrom(iv *[blockSize]byte, start int) {
	for i := start; i < blockSize; i++ {
		iv[i]--
		if iv[i] != 0xFF {
			break
		}
	}
}

func advanceIV(iv *[blockSize]byte) {
	incrementFrom(iv, 0)
}

func newBlock(key [blockSize]byte) (cipher.Block, error) {
	b, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: init AES-128 cipher: %w", err)
	}
	return b, nil
}

func encBlock(block cipher.Block, in [blockSize]byte) [blockSize]byte {
	var out [blockSize]byte
	block.Encrypt(out[:], in[:])
	return out
}

func decBlock(block cipher.Block, in [blockSize]byte) [blockSize]byte {
	var out [blockSize]byte
	block.Decrypt(out[:], in[:])
	return out
}

// double applies OCB2's Δ-doubling: left-shift the 128-bit block by one bit,
// folding the lost high bit back in via the 0x87 feedback polynomial.
// Operating directly on the 16-byte string keeps the result identical
// across architectures without any limb-boundary byte swaps.
func double(in [blockSize]byte) [blockSize]byte {
	var out [blockSize]byte
	carry := in[0] >> 7
	for i := 0; i < blockSize-1; i++ {
		out[i] = (in[i] << 1) | (in[i+1] >> 7)
	}
	out[blockSize-1] = (in[blockSize-1] << 1) ^ (carry * 0x87)
	return out
}

// triple computes block ^= double(block), the Δ used for the final tag step.
func triple(in [blockSize]byte) [blockSize]byte {
	return xorBlock(in, double(in))
}

func xorBlock(a, b [blockSize]byte) [blockSize]byte {
	var out [blockSize]byte
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func ocbEncrypt(block cipher.Block, nonce [blockSize]byte, plain []byte) (ciphertext []byte, tag [blockSize]byte) {
	delta := encBlock(block, nonce)
	var checksum [blockSize]byte
	ciphertext = make([]byte, len(plain))

	pos := 0
	for len(plain)-pos > blockSize {
		delta = double(delta)

		var pt [blockSize]byte
		copy(pt[:], plain[pos:pos+blockSize])

		tmp := encBlock(block, xorBlock(delta, pt))
		ct := xorBlock(delta, tmp)
		copy(ciphertext[pos:pos+blockSize], ct[:])

		checksum = xorBlock(checksum, pt)
		pos += blockSize
	}

	rem := len(plain) - pos
	delta = double(delta)

	var lenBlock [blockSize]byte
	binary.BigEndian.PutUint32(lenBlock[blockSize-4:], uint32(rem*8))
	pad := encBlock(block, xorBlock(lenBlock, delta))

	var padded [blockSize]byte
	copy(padded[:], plain[pos:pos+rem])
	copy(padded[rem:], pad[rem:])

	checksum = xorBlock(checksum, padded)
	ctBlock := xorBlock(pad, padded)
	copy(ciphertext[pos:pos+rem], ctBlock[:rem])

	delta = triple(delta)
	tag = encBlock(block, xorBlock(delta, checksum))
	return ciphertext, tag
}

func ocbDecrypt(block cipher.Block, nonce [blockSize]byte, encrypted []byte) (plain []byte, tag [blockSize]byte) {
	delta := encBlock(block, nonce)
	var checksum [blockSize]byte
	plain = make([]byte, len(encrypted))

	pos := 0
	for len(encrypted)-pos > blockSize {
		delta = double(delta)

		var ct [blockSize]byte
		copy(ct[:], encrypted[pos:pos+blockSize])

		tmp := decBlock(block, xorBlock(delta, ct))
		pt := xorBlock(delta, tmp)
		copy(plain[pos:pos+blockSize], pt[:])

		checksum = xorBlock(checksum, pt)
		pos += blockSize
	}

	rem := len(encrypted) - pos
	delta = double(delta)

	var lenBlock [blockSize]byte
	binary.BigEndian.PutUint32(lenBlock[blockSize-4:], uint32(rem*8))
	pad := encBlock(block, xorBlock(lenBlock, delta))

	var tail [blockSize]byte
	copy(tail[:], encrypted[pos:pos+rem])
	padded := xorBlock(tail, pad)

	checksum = xorBlock(checksum, padded)
	copy(plain[pos:pos+rem], padded[:rem])

	delta = triple(delta)
	tag = encBlock(block, xorBlock(delta, checksum))
	return plain, tag
}
