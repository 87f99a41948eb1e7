package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeWAVPCM16MonoRoundTrip(t *testing.T) {
	pcm := []byte{
		0x00, 0x00,
		0xE8, 0x03, // 1000
		0x18, 0xFC, // -1000
	}
	wav, err := EncodeWAVPCM16LE(pcm, SampleRate)
	require.NoError(t, err)

	gotPCM, gotSR, err := DecodeWAVPCM16(wav)
	require.NoError(t, err)
	assert.Equal(t, SampleRate, gotSR)
	assert.Equal(t, pcm, gotPCM)
}

func TestDecodeWAVPCM16StereoDownmix(t *testing.T) {
	// Frame 1: L=1000, R=-1000 => avg=0
	// Frame 2: L=3000, R=1000  => avg=2000
	stereo := []byte{
		0xE8, 0x03, 0x18, 0xFC,
		0xB8, 0x0B, 0xE8, 0x03,
	}
	var b bytes.Buffer
	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(36+len(stereo)))
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	_ = binary.Write(&b, binary.LittleEndian, uint32(16))
	_ = binary.Write(&b, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&b, binary.LittleEndian, uint16(2)) // stereo
	_ = binary.Write(&b, binary.LittleEndian, uint32(SampleRate))
	_ = binary.Write(&b, binary.LittleEndian, uint32(SampleRate*4))
	_ = binary.Write(&b, binary.LittleEndian, uint16(4))
	_ = binary.Write(&b, binary.LittleEndian, uint16(16))
	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, uint32(len(stereo)))
	b.Write(stereo)

	gotPCM, _, err := DecodeWAVPCM16(b.Bytes())
	require.NoError(t, err)
	require.Len(t, gotPCM, 4)
	assert.Equal(t, int16(0), int16(binary.LittleEndian.Uint16(gotPCM[0:2])))
	assert.Equal(t, int16(2000), int16(binary.LittleEndian.Uint16(gotPCM[2:4])))
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	_, _, err := DecodeWAVPCM16([]byte("not a wav file at all"))
	assert.Error(t, err)
}

func TestFrameBytes(t *testing.T) {
	assert.Equal(t, 4800, FrameBytes(100*time.Millisecond, SampleRate))
	assert.Equal(t, 100*time.Millisecond, Duration(4800, SampleRate))
}

func TestWAVSourceEmitsFixedFrames(t *testing.T) {
	pcm := make([]byte, FrameBytes(250*time.Millisecond, SampleRate))
	path := filepath.Join(t.TempDir(), "in.wav")
	require.NoError(t, WriteWAVPCM16LEFile(path, pcm, SampleRate))

	src, err := NewWAVSource(path, 100*time.Millisecond, false)
	require.NoError(t, err)
	frames, err := src.Start(context.Background())
	require.NoError(t, err)

	var sizes []int
	for f := range frames {
		sizes = append(sizes, len(f))
	}
	assert.Equal(t, []int{4800, 4800, 2400}, sizes)
	assert.NoError(t, src.Err())
	assert.NoError(t, src.Close())
}

func TestWAVSourceRejectsWrongRate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.wav")
	require.NoError(t, WriteWAVPCM16LEFile(path, make([]byte, 320), 16000))

	_, err := NewWAVSource(path, 0, false)
	var devErr *DeviceError
	assert.ErrorAs(t, err, &devErr)
}

func TestWAVFileSinkWritesCollectedAudio(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	sink := &WAVFileSink{Path: path}
	out, err := sink.Open(DefaultFormat)
	require.NoError(t, err)
	_, err = out.Write([]byte{1, 0, 2, 0})
	require.NoError(t, err)
	require.NoError(t, out.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	pcm, rate, err := DecodeWAVPCM16(data)
	require.NoError(t, err)
	assert.Equal(t, SampleRate, rate)
	assert.Equal(t, []byte{1, 0, 2, 0}, pcm)
}
