package dns

// memDirectory is a test double for Directory, keyed by networkID then
// hostname.
type memDirectory struct {
	records map[string]map[string]Record
}

func newMemDirectory() *memDirectory {
	return &memDirectory{records: make(map[string]map[string]Record)}
}

func (d *memDirectory) set(networkID, hostname string, rec Record) {
	if d.records[networkID] == nil {
		d.records[networkID] = make(map[string]Record)
	}
	d.records[networkID][hostname] = rec
}

func (d *memDirectory) Lookup(networkID, hostname string) (Record, bool) {
	hosts, ok := d.records[networkID]
	if !ok {
		return Record{}, false
	}
	rec, ok := hosts[hostname]
	return rec, ok
}

var _ Directory = (*memDirectory)(nil)
