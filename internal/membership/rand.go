package membership

import "math/rand"

// shuffleAddrs shuffles a slice of Addr in place using the Fisher-Yates
// variant stdlib's rand.Shuffle already implements; kept as a named helper
// (rather than calling rand.Shuffle at every call site) so chunking and
// digest-building read the same way the teacher's randIndexes did.
func shuffleAddrs(a []Addr) {
	rand.Shuffle(len(a), func(i, j int) { a[i], a[j] = a[j], a[i] })
}

// shuffleDigests shuffles a slice of Digest in place. Passed as the
// shuffle callback to BuildDigests.
func shuffleDigests(d []Digest) {
	rand.Shuffle(len(d), func(i, j int) { d[i], d[j] = d[j], d[i] })
}

// chunk splits addrs into ceil(len(addrs)/size) contiguous slices, used by
// the anti-entropy engine's SWIM-style fan-out (§4.3 step 4: "split a
// freshly shuffled live_endpoints into ceil(N/10)-sized chunks").
func chunk(addrs []Addr, size int) [][]Addr {
	if size <= 0 {
		size = 1
	}
	var out [][]Addr
	for i := 0; i < len(addrs); i += size {
		end := i + size
		if end > len(addrs) {
			end = len(addrs)
		}
		out = append(out, addrs[i:end])
	}
	return out
}

// randomElement returns a uniformly random element of addrs, or the zero
// value and false if addrs is empty.
func randomElement(addrs []Addr) (Addr, bool) {
	if len(addrs) == 0 {
		return "", false
	}
	return addrs[rand.Intn(len(addrs))], true
}
