package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jmpesp/opte/internal/command"
	"github.com/jmpesp/opte/internal/core"
)

func writePcap(t *testing.T, lt layers.LinkType, frames ...[]byte) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65536, lt))
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, f := range frames {
		ci := gopacket.CaptureInfo{Timestamp: ts.Add(time.Duration(i) * time.Millisecond), CaptureLength: len(f), Length: len(f)}
		require.NoError(t, w.WritePacket(ci, f))
	}
	return &buf
}

func TestRunSim(t *testing.T) {
	f1, f2, f3 := []byte("frame-one"), []byte("frame-two"), []byte("frame-three")
	in := writePcap(t, layers.LinkTypeEthernet, f1, f2, f3)

	mockClient := new(MockClient)
	mockClient.On("PortProcess", mock.Anything, "g0", core.DirOut, f1).
		Return(command.PortProcessResult{Verdict: "pass", Frame: []byte("rewritten-one")}, nil)
	mockClient.On("PortProcess", mock.Anything, "g0", core.DirOut, f2).
		Return(command.PortProcessResult{Verdict: "drop", Layer: "firewall"}, nil)
	mockClient.On("PortProcess", mock.Anything, "g0", core.DirOut, f3).
		Return(command.PortProcessResult{Verdict: "hairpin", Layer: "arp", Frame: []byte("arp-reply")}, nil)

	var stdout, out bytes.Buffer
	st, err := runSim(context.Background(), mockClient, &stdout, "g0", core.DirOut, in, &out)
	require.NoError(t, err)
	assert.Equal(t, simStats{Frames: 3, Pass: 1, Drop: 1, Hairpin: 1}, st)
	assert.Contains(t, stdout.String(), "frames: 3  pass: 1  drop: 1  hairpin: 1")
	mockClient.AssertExpectations(t)

	r, err := pcapgo.NewReader(&out)
	require.NoError(t, err)
	var got []string
	for {
		data, _, err := r.ReadPacketData()
		if err != nil {
			break
		}
		got = append(got, string(data))
	}
	assert.Equal(t, []string{"rewritten-one", "arp-reply"}, got)
}

func TestRunSim_PacketError(t *testing.T) {
	in := writePcap(t, layers.LinkTypeEthernet, []byte{0x01})

	mockClient := new(MockClient)
	mockClient.On("PortProcess", mock.Anything, "g0", core.DirIn, mock.Anything).
		Return(command.PortProcessResult{Verdict: "drop", Error: "parse: truncated frame"}, nil)

	var stdout bytes.Buffer
	st, err := runSim(context.Background(), mockClient, &stdout, "g0", core.DirIn, in, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Errors)
	assert.Contains(t, stdout.String(), "frame 1: parse: truncated frame")
}

func TestRunSim_BadInput(t *testing.T) {
	mockClient := new(MockClient)
	var stdout bytes.Buffer

	_, err := runSim(context.Background(), mockClient, &stdout, "g0", core.DirOut, bytes.NewReader([]byte("not a pcap")), nil)
	assert.Error(t, err)

	raw := writePcap(t, layers.LinkTypeRaw, []byte{0x45})
	_, err = runSim(context.Background(), mockClient, &stdout, "g0", core.DirOut, raw, nil)
	assert.ErrorContains(t, err, "unsupported link type")
	mockClient.AssertNotCalled(t, "PortProcess", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSimFiles_KeepsOutputOnFailure(t *testing.T) {
	f1, f2 := []byte("frame-one"), []byte("frame-two")
	dir := t.TempDir()
	inPath := filepath.Join(dir, "in.pcap")
	outPath := filepath.Join(dir, "out.pcap")
	require.NoError(t, os.WriteFile(inPath, writePcap(t, layers.LinkTypeEthernet, f1, f2).Bytes(), 0o644))

	mockClient := new(MockClient)
	mockClient.On("PortProcess", mock.Anything, "g0", core.DirOut, f1).
		Return(command.PortProcessResult{Verdict: "pass", Frame: []byte("rewritten-one")}, nil)
	mockClient.On("PortProcess", mock.Anything, "g0", core.DirOut, f2).
		Return(command.PortProcessResult{}, errors.New("connection reset"))

	var stdout bytes.Buffer
	st, err := simFiles(context.Background(), mockClient, &stdout, "g0", core.DirOut, inPath, outPath)
	assert.ErrorContains(t, err, "connection reset")
	assert.Equal(t, 1, st.Pass)

	f, err := os.Open(outPath)
	require.NoError(t, err)
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	data, _, err := r.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, "rewritten-one", string(data))

	_, err = simFiles(context.Background(), mockClient, &stdout, "g0", core.DirOut, filepath.Join(dir, "missing.pcap"), "")
	assert.ErrorContains(t, err, "open input")
}
