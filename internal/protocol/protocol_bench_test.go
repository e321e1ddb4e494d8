package protocol

import "testing"

func BenchmarkEncode(b *testing.B) {
	payload := []byte{1, 2, 3, 4}
	for i := 0; i < b.N; i++ {
		Encode(1, 4, 1, uint16(i), 0, payload)
	}
}

func BenchmarkDecode(b *testing.B) {
	datagram := Encode(1, 4, 1, 1, 0, []byte{1, 2, 3, 4})
	for i := 0; i < b.N; i++ {
		if _, err := Decode(datagram, 1); err != nil {
			b.Fatal(err)
		}
	}
}
