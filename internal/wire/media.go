package wire

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/klauspost/compress/zstd"
)

// FlagCompressed marks a media body's payload as zstd-compressed.
const FlagCompressed uint16 = 1 << 0

// compressionRatio is the policy threshold: a payload is sent compressed
// only when the compressed form is at most this fraction of the original.
const compressionRatio = 0.8

// AudioSampleRate is the fixed sample rate (Hz) carried by every AUDIO_FRAME.
const AudioSampleRate = 48000

// AudioChannels is fixed at mono.
const AudioChannels = 1

var (
	encoderPool = mustZstdEncoder()
	decoderPool = mustZstdDecoder()
)

func mustZstdEncoder() *zstd.Encoder {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic("wire: zstd encoder init: " + err.Error())
	}
	return enc
}

func mustZstdDecoder() *zstd.Decoder {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic("wire: zstd decoder init: " + err.Error())
	}
	return dec
}

// compress returns the zstd-compressed form of payload.
func compress(payload []byte) []byte {
	return encoderPool.EncodeAll(payload, make([]byte, 0, len(payload)))
}

// decompress reverses compress.
func decompress(payload []byte) ([]byte, error) {
	return decoderPool.DecodeAll(payload, nil)
}

// ASCIIFrame is the decoded body of an ASCII_FRAME packet.
type ASCIIFrame struct {
	Width, Height uint16
	Flags         uint16
	Payload       []byte // decompressed
}

// ImageFrame is the decoded body of an IMAGE_FRAME packet.
type ImageFrame struct {
	Width, Height uint16
	Flags         uint16
	PixelFormat   uint32 // opaque, forwarded unchanged
	Payload       []byte // decompressed
}

// choosePayload applies the compression policy for the media body helpers:
// compress, then keep the compressed form only if it is <= compressionRatio
// of the original size. It returns the chosen payload, the flags
// (FlagCompressed when compressed), and the compressed_len/uncompressed_len
// header values; when the raw payload is kept both lengths are its size.
func choosePayload(payload []byte) (out []byte, flags uint16, compressedLen, uncompressedLen uint32) {
	uncompressedLen = uint32(len(payload))
	compressed := compress(payload)
	if float64(len(compressed)) <= compressionRatio*float64(len(payload)) {
		return compressed, FlagCompressed, uint32(len(compressed)), uncompressedLen
	}
	return payload, 0, uncompressedLen, uncompressedLen
}

// EncodeASCIIFrame builds an ASCII_FRAME packet body applying the
// compression policy to payload.
func EncodeASCIIFrame(w, h uint16, payload []byte) []byte {
	chosen, flags, clen, ulen := choosePayload(payload)
	buf := make([]byte, 0, 12+len(chosen))
	buf = binary.BigEndian.AppendUint16(buf, w)
	buf = binary.BigEndian.AppendUint16(buf, h)
	buf = binary.BigEndian.AppendUint16(buf, flags)
	buf = binary.BigEndian.AppendUint32(buf, clen)
	buf = binary.BigEndian.AppendUint32(buf, ulen)
	buf = append(buf, chosen...)
	return buf
}

// DecodeASCIIFrame parses and, if needed, decompresses an ASCII_FRAME body.
func DecodeASCIIFrame(body []byte) (ASCIIFrame, error) {
	if len(body) < 12 {
		return ASCIIFrame{}, &Error{Kind: DecompressFailed}
	}
	w := binary.BigEndian.Uint16(body[0:2])
	h := binary.BigEndian.Uint16(body[2:4])
	flags := binary.BigEndian.Uint16(body[4:6])
	clen := binary.BigEndian.Uint32(body[6:10])
	_ = clen
	payload := body[12:]
	if flags&FlagCompressed != 0 {
		raw, err := decompress(payload)
		if err != nil {
			return ASCIIFrame{}, &Error{Kind: DecompressFailed}
		}
		payload = raw
	}
	return ASCIIFrame{Width: w, Height: h, Flags: flags, Payload: payload}, nil
}

// EncodeImageFrame builds an IMAGE_FRAME packet body. pixelFormat is opaque
// metadata forwarded unchanged.
func EncodeImageFrame(w, h uint16, pixelFormat uint32, payload []byte) []byte {
	chosen, flags, clen, ulen := choosePayload(payload)
	buf := make([]byte, 0, 16+len(chosen))
	buf = binary.BigEndian.AppendUint16(buf, w)
	buf = binary.BigEndian.AppendUint16(buf, h)
	buf = binary.BigEndian.AppendUint16(buf, flags)
	buf = binary.BigEndian.AppendUint32(buf, clen)
	buf = binary.BigEndian.AppendUint32(buf, ulen)
	buf = binary.BigEndian.AppendUint32(buf, pixelFormat)
	buf = append(buf, chosen...)
	return buf
}

// DecodeImageFrame parses and, if needed, decompresses an IMAGE_FRAME body.
func DecodeImageFrame(body []byte) (ImageFrame, error) {
	if len(body) < 16 {
		return ImageFrame{}, &Error{Kind: DecompressFailed}
	}
	w := binary.BigEndian.Uint16(body[0:2])
	h := binary.BigEndian.Uint16(body[2:4])
	flags := binary.BigEndian.Uint16(body[4:6])
	pixelFormat := binary.BigEndian.Uint32(body[12:16])
	payload := body[16:]
	if flags&FlagCompressed != 0 {
		raw, err := decompress(payload)
		if err != nil {
			return ImageFrame{}, &Error{Kind: DecompressFailed}
		}
		payload = raw
	}
	return ImageFrame{Width: w, Height: h, Flags: flags, PixelFormat: pixelFormat, Payload: payload}, nil
}

// AudioFrame is the decoded body of an AUDIO_FRAME packet: a fixed count of
// mono float32 samples at AudioSampleRate plus a monotonic sequence number.
type AudioFrame struct {
	Seq     uint64
	Samples []float32
}

// EncodeAudioFrame builds an AUDIO_FRAME packet body.
func EncodeAudioFrame(seq uint64, samples []float32) []byte {
	buf := make([]byte, 0, 12+4*len(samples))
	buf = binary.BigEndian.AppendUint64(buf, seq)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(samples)))
	for _, s := range samples {
		buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(s))
	}
	return buf
}

// DecodeAudioFrame parses an AUDIO_FRAME body.
func DecodeAudioFrame(body []byte) (AudioFrame, error) {
	if len(body) < 12 {
		return AudioFrame{}, &Error{Kind: DecompressFailed}
	}
	seq := binary.BigEndian.Uint64(body[0:8])
	n := binary.BigEndian.Uint32(body[8:12])
	rest := body[12:]
	if uint64(len(rest)) != uint64(n)*4 {
		return AudioFrame{}, &Error{Kind: DecompressFailed}
	}
	samples := make([]float32, n)
	r := bytes.NewReader(rest)
	var bits uint32
	for i := range samples {
		if err := binary.Read(r, binary.BigEndian, &bits); err != nil {
			return AudioFrame{}, &Error{Kind: DecompressFailed}
		}
		samples[i] = math.Float32frombits(bits)
	}
	return AudioFrame{Seq: seq, Samples: samples}, nil
}
