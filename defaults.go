package spoolcache

// orDefault returns def when v is the zero value of T - otherwise v.
func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
