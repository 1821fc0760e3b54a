package store

// Comparator orders two encoded keys. It must behave exactly like the
// Codec's Order (spec.md §4.2: "the Store is oblivious to logical
// types — it only requires the comparator from the Codec"). Store never
// imports the codec package directly; the Server wires a Codec's
// Compare method in as a Comparator when it opens a shuffle.
type Comparator func(a, b []byte) int

// Less reports whether a sorts strictly before b.
func (c Comparator) Less(a, b []byte) bool { return c(a, b) < 0 }
