package lob

// Actor identifies who ran a publish.
type Actor struct {
	// Hostname is the machine the publish ran on.
	Hostname string `yaml:"hostname"`
	// Username is the system user who started it.
	Username string `yaml:"username"`
}

// String renders the actor as user@host.
func (a *Actor) String() string {
	if a == nil {
		return "<unknown>"
	}

	return a.Username + "@" + a.Hostname
}
