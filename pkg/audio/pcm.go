package audio

// BytesToInt16s converts little-endian PCM bytes to int16 samples.
// A trailing odd byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return out
}

// Int16sToBytes converts int16 samples to little-endian PCM bytes.
func Int16sToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
