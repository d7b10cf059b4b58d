package link

import "testing"

func TestMessageRoundTrip(t *testing.T) {
	var tests = []struct {
		desc string
		in   *Message
	}{
		{
			desc: "conf read",
			in: func() *Message {
				m := NewMessage(CmdConfRead)
				m.SetConfData(ConfData{Addr: 0x10, Len: 4})
				return m
			}(),
		},
		{
			desc: "bar write",
			in: func() *Message {
				m := NewMessage(CmdBarWrite)
				m.SetBarAccess(BarAccess{Addr: 0x100, Val: 0xAB, Size: 1, Memory: true})
				return m
			}(),
		},
		{
			desc: "sync sysmem",
			in: func() *Message {
				m := NewMessage(CmdSyncSysmem)
				s := SyncSysmem{}
				s.GPAs[0] = 0x1000
				s.Sizes[0] = 0x2000
				s.Offsets[0] = 0
				m.SetSyncSysmem(s)
				return m
			}(),
		},
		{
			desc: "device add bytestream",
			in: func() *Message {
				m := NewMessage(CmdDeviceAdd)
				m.Data2 = []byte(`{"id":"dev0"}`)
				m.Size = len(m.Data2)
				return m
			}(),
		},
	}

	for i, tt := range tests {
		header := encodeHeader(tt.in)
		got := &Message{}
		if err := decodeHeader(header, got); err != nil {
			t.Fatalf("[%02d] %s: decodeHeader: %v", i, tt.desc, err)
		}
		if got.Cmd != tt.in.Cmd || got.Bytestream != tt.in.Bytestream || got.Size != tt.in.Size {
			t.Fatalf("[%02d] %s: round trip mismatch: got %+v, want %+v", i, tt.desc, got, tt.in)
		}
		if got.data1 != tt.in.data1 {
			t.Fatalf("[%02d] %s: data1 round trip mismatch", i, tt.desc)
		}
	}
}

func TestValidate(t *testing.T) {
	var tests = []struct {
		desc    string
		in      *Message
		wantErr Kind
		wantOK  bool
	}{
		{
			desc:   "conf read with ticket",
			in:     &Message{Cmd: CmdConfRead, NumFDs: 1},
			wantOK: true,
		},
		{
			desc:    "conf read missing ticket",
			in:      &Message{Cmd: CmdConfRead, NumFDs: 0},
			wantErr: ErrMalformed,
		},
		{
			desc:    "unknown command",
			in:      &Message{Cmd: Command(999)},
			wantErr: ErrUnknownCommand,
		},
		{
			desc:    "bytestream too large",
			in:      &Message{Cmd: CmdDeviceAdd, Bytestream: true, Size: MaxDataSize + 1, NumFDs: 1},
			wantErr: ErrMalformed,
		},
		{
			desc:   "sync sysmem with 3 fds",
			in:     &Message{Cmd: CmdSyncSysmem, NumFDs: 3},
			wantOK: true,
		},
		{
			desc:    "sync sysmem with zero fds",
			in:      &Message{Cmd: CmdSyncSysmem, NumFDs: 0},
			wantErr: ErrMalformed,
		},
		{
			desc:   "bar write needs no ticket",
			in:     &Message{Cmd: CmdBarWrite, NumFDs: 0},
			wantOK: true,
		},
	}

	for i, tt := range tests {
		err := tt.in.Validate()
		if tt.wantOK {
			if err != nil {
				t.Fatalf("[%02d] %s: unexpected error: %v", i, tt.desc, err)
			}
			continue
		}
		lerr, ok := err.(*Error)
		if !ok {
			t.Fatalf("[%02d] %s: expected *Error, got %v", i, tt.desc, err)
		}
		if lerr.Kind != tt.wantErr {
			t.Fatalf("[%02d] %s: got kind %v, want %v", i, tt.desc, lerr.Kind, tt.wantErr)
		}
	}
}

func TestEncodeDecodePCIInfo(t *testing.T) {
	v := EncodePCIInfo(0x1b36, 0x0001, 3)
	vendor, device, regions := DecodePCIInfo(v)
	if vendor != 0x1b36 || device != 0x0001 || regions != 3 {
		t.Fatalf("got (%x, %x, %d), want (0x1b36, 0x1, 3)", vendor, device, regions)
	}
}
