package wire

import (
	"testing"
)

func TestClientInfoRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   ClientInfo
	}{
		{"vulkan app", ClientInfo{PID: 1234, Executable: "game.bin", API: APIVulkan}},
		{"opengl app", ClientInfo{PID: 99999, Executable: "glxgears", API: APIOpenGL}},
		{"long name truncates", ClientInfo{PID: 1, Executable: string(make([]byte, 200)), API: APIVulkan}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := tt.in.MarshalBinary()
			if err != nil {
				t.Fatalf("MarshalBinary: %v", err)
			}
			want := (ClientInfo{}).Size()
			if len(buf) != want {
				t.Fatalf("wire size mismatch: got %d want %d", len(buf), want)
			}
			var out ClientInfo
			if err := out.UnmarshalBinary(buf); err != nil {
				t.Fatalf("UnmarshalBinary: %v", err)
			}
			if out.PID != tt.in.PID || out.API != tt.in.API {
				t.Fatalf("round trip mismatch: got %+v want pid=%d api=%d", out, tt.in.PID, tt.in.API)
			}
		})
	}
}

func TestTextureInfoRoundTrip(t *testing.T) {
	in := TextureInfo{
		Width: 1920, Height: 1080, Format: 0, Flip: true, NFD: 1,
		Strides:  [4]uint32{7680, 0, 0, 0},
		Offsets:  [4]uint32{0, 0, 0, 0},
		Modifier: DRMFormatModInvalid,
		WindowID: 0,
	}
	buf, err := in.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(buf) != in.Size() {
		t.Fatalf("wire size mismatch: got %d want %d", len(buf), in.Size())
	}

	var out TextureInfo
	if err := out.UnmarshalBinary(buf); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: got %+v want %+v", out, in)
	}
}

func TestTextureInfoRejectsBadNFD(t *testing.T) {
	in := TextureInfo{Width: 1, Height: 1, NFD: 0}
	if _, err := in.MarshalBinary(); err == nil {
		t.Fatal("expected error for nfd=0")
	}
	in.NFD = 5
	if _, err := in.MarshalBinary(); err == nil {
		t.Fatal("expected error for nfd=5")
	}
}

func TestTextureInfoRejectsWrongSize(t *testing.T) {
	var out TextureInfo
	if err := out.UnmarshalBinary([]byte{DiscriminantTextureInfo, 1, 2, 3}); err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func TestDiscriminant(t *testing.T) {
	ci := ClientInfo{PID: 1, Executable: "x", API: APIVulkan}
	buf, _ := ci.MarshalBinary()
	d, err := Discriminant(buf)
	if err != nil {
		t.Fatalf("Discriminant: %v", err)
	}
	if d != DiscriminantClientInfo {
		t.Fatalf("got %d want %d", d, DiscriminantClientInfo)
	}
	if _, err := Discriminant(nil); err == nil {
		t.Fatal("expected error for empty buffer")
	}
}
