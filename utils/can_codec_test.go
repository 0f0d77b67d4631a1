package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMap = `direction,frame_id,frame_name,cycle_ms,dlc,signal_name,start_bit,bit_length,endianness,signed,factor,offset,min,max,default,unit,comment
tx,0x100,DRIVE_CMD,10,4,left_velocity,0,16,little,true,0.01,0,-127,127,0,pct127,left
tx,0x100,DRIVE_CMD,10,4,right_velocity,16,16,little,true,0.01,0,-127,127,0,pct127,right
rx,0x203,OPTICAL_STATE,10,4,hue,0,16,little,false,0.01,0,0,360,0,deg,hue
rx,0x203,OPTICAL_STATE,10,4,proximity,16,8,little,false,1,0,0,255,7,raw,prox
`

func TestEncodeDecode_DriveCommand(t *testing.T) {
	m, err := ParseCANMap(strings.NewReader(testMap))
	require.NoError(t, err)

	f, err := m.EncodeFrame("DRIVE_CMD", map[string]float64{
		"left_velocity":  -50.5,
		"right_velocity": 300, // beyond the physical range
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(0x100), f.ID)
	assert.Equal(t, uint8(4), f.Length)

	values, err := m.DecodeFrame(f)
	require.NoError(t, err)
	assert.InDelta(t, -50.5, values["left_velocity"], 1e-9)
	assert.InDelta(t, 127, values["right_velocity"], 1e-9)
}

func TestEncode_MissingSignalUsesDefault(t *testing.T) {
	m, err := ParseCANMap(strings.NewReader(testMap))
	require.NoError(t, err)

	f, err := m.EncodeFrame("OPTICAL_STATE", map[string]float64{"hue": 100})
	require.NoError(t, err)

	values, err := m.DecodeFrame(f)
	require.NoError(t, err)
	assert.InDelta(t, 100, values["hue"], 1e-9)
	assert.InDelta(t, 7, values["proximity"], 1e-9)
}

func TestDecode_ShortFrameRejected(t *testing.T) {
	m, err := ParseCANMap(strings.NewReader(testMap))
	require.NoError(t, err)

	f, err := m.EncodeFrame("DRIVE_CMD", nil)
	require.NoError(t, err)
	f.Length = 2

	_, err = m.DecodeFrame(f)
	assert.Error(t, err)
}

func TestParseCANMap_Rejects(t *testing.T) {
	header := strings.SplitN(testMap, "\n", 2)[0] + "\n"
	cases := map[string]string{
		"missing column": "direction,frame_id\ntx,0x1\n",
		"bad direction":  header + "both,0x100,X,10,2,a,0,8,little,false,1,0,0,1,0,u,c\n",
		"zero factor":    header + "tx,0x100,X,10,2,a,0,8,little,false,0,0,0,1,0,u,c\n",
		"exceeds dlc":    header + "tx,0x100,X,10,1,a,4,8,little,false,1,0,0,1,0,u,c\n",
		"big endian":     header + "tx,0x100,X,10,2,a,0,8,big,false,1,0,0,1,0,u,c\n",
		"dlc mismatch": header +
			"tx,0x100,X,10,2,a,0,8,little,false,1,0,0,1,0,u,c\n" +
			"tx,0x100,X,10,4,b,8,8,little,false,1,0,0,1,0,u,c\n",
	}
	for name, csv := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCANMap(strings.NewReader(csv))
			assert.Error(t, err)
		})
	}
}

func TestLoadCANMap_RepositoryMap(t *testing.T) {
	m, err := LoadCANMap("../config/can/can_map.csv")
	require.NoError(t, err)

	for _, name := range []string{"DRIVE_CMD", "INTAKE_CMD", "IMU_CMD", "CLAMP_CMD", "IMU_STATE", "ROTATION_STATE", "DRIVE_STATE", "OPTICAL_STATE"} {
		fd, err := m.FrameByName(name)
		require.NoError(t, err, name)
		assert.NotEmpty(t, fd.Signals, name)
	}

	imu, err := m.FrameByName("IMU_STATE")
	require.NoError(t, err)
	f, err := m.EncodeFrame("IMU_STATE", map[string]float64{"rotation_deg": -725.125, "calibrating": 1})
	require.NoError(t, err)
	values, err := m.DecodeFrame(f)
	require.NoError(t, err)
	assert.InDelta(t, -725.125, values["rotation_deg"], 1e-6)
	assert.Equal(t, 1.0, values["calibrating"])
	_, ok := imu.Signal("calibrating")
	assert.True(t, ok)
}
