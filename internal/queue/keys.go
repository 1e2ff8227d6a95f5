package queue

// Keys names the Redis structures that belong to one queue.
type Keys struct {
	Name string
}

func (k Keys) Waiting() string { return k.Name + ":waiting" }
func (k Keys) Delayed() string { return k.Name + ":delayed" }
func (k Keys) Events() string  { return k.Name + ":events" }

// StatusPrefix prefixes the per-job status hashes ("{name}:job:{id}").
func (k Keys) StatusPrefix() string { return k.Name + ":" }
