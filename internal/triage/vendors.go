package triage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"apqueue/internal"
	"apqueue/internal/storage"
	"apqueue/internal/util"
)

var builtinVendors = []internal.VendorConfig{
	{Name: "Stripe", Domains: []string{"stripe.com"}},
	{Name: "Amazon Web Services", Domains: []string{"aws.amazon.com", "amazonaws.com"}},
	{Name: "Google Cloud", Domains: []string{"cloud.google.com", "google.com"}},
	{Name: "Microsoft", Domains: []string{"microsoft.com", "microsoftonline.com"}},
	{Name: "Atlassian", Domains: []string{"atlassian.com"}},
	{Name: "Slack", Domains: []string{"slack.com"}},
	{Name: "GitHub", Domains: []string{"github.com"}},
	{Name: "Adobe", Domains: []string{"adobe.com"}},
	{Name: "Zoom", Domains: []string{"zoom.us"}},
	{Name: "Intuit", Domains: []string{"intuit.com", "quickbooks.com"}},
	{Name: "Shopify", Domains: []string{"shopify.com"}},
	{Name: "Salesforce", Domains: []string{"salesforce.com"}},
	{Name: "Dropbox", Domains: []string{"dropbox.com"}},
	{Name: "DigitalOcean", Domains: []string{"digitalocean.com"}},
	{Name: "Bill.com", Domains: []string{"bill.com", "hq.bill.com"}},
}

type vendorsFile struct {
	Vendors []internal.VendorConfig `yaml:"vendors"`
}

// VendorDirectory maps sender domains to known billing vendors and their GL
// codes.
type VendorDirectory struct {
	mu      sync.RWMutex
	vendors []internal.VendorConfig
}

func NewVendorDirectory(vendors ...internal.VendorConfig) *VendorDirectory {
	d := &VendorDirectory{}
	d.Merge(vendors)
	return d
}

func DefaultVendorDirectory() *VendorDirectory {
	return NewVendorDirectory(builtinVendors...)
}

// Lookup finds the vendor owning the sender's domain. The most specific
// domain wins.
func (d *VendorDirectory) Lookup(sender string) (internal.VendorConfig, bool) {
	domain := util.SenderDomain(sender)
	if domain == "" {
		return internal.VendorConfig{}, false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	best := -1
	bestLen := 0
	for i, v := range d.vendors {
		for _, want := range v.Domains {
			if util.DomainMatches(domain, want) && len(want) > bestLen {
				best, bestLen = i, len(want)
			}
		}
	}
	if best < 0 {
		return internal.VendorConfig{}, false
	}
	return cloneVendor(d.vendors[best]), true
}

func (d *VendorDirectory) LookupName(name string) (internal.VendorConfig, bool) {
	key := util.NormalizeVendor(name)
	if key == "" {
		return internal.VendorConfig{}, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, v := range d.vendors {
		if util.NormalizeVendor(v.Name) == key {
			return cloneVendor(v), true
		}
	}
	return internal.VendorConfig{}, false
}

// Merge adds vendors, replacing entries with the same normalized name.
func (d *VendorDirectory) Merge(vendors []internal.VendorConfig) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	merged := 0
	for _, v := range vendors {
		v.Name = strings.TrimSpace(v.Name)
		key := util.NormalizeVendor(v.Name)
		if key == "" {
			continue
		}
		v = cloneVendor(v)
		for i := range v.Domains {
			v.Domains[i] = strings.ToLower(strings.TrimSpace(v.Domains[i]))
		}

		replaced := false
		for i := range d.vendors {
			if util.NormalizeVendor(d.vendors[i].Name) == key {
				if len(v.Domains) == 0 {
					v.Domains = d.vendors[i].Domains
				}
				d.vendors[i] = v
				replaced = true
				break
			}
		}
		if !replaced {
			d.vendors = append(d.vendors, v)
		}
		merged++
	}
	return merged
}

func (d *VendorDirectory) List() []internal.VendorConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]internal.VendorConfig, 0, len(d.vendors))
	for _, v := range d.vendors {
		out = append(out, cloneVendor(v))
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name) })
	return out
}

// ParseVendorsYAML accepts either a bare list or a document with a top-level
// "vendors" key.
func ParseVendorsYAML(data []byte) ([]internal.VendorConfig, error) {
	var list []internal.VendorConfig
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var doc vendorsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse vendors: %w", err)
	}
	return doc.Vendors, nil
}

func LoadVendorsFile(path string) ([]internal.VendorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseVendorsYAML(data)
}

type VendorKV interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
}

// LoadStored merges vendors persisted in kv. Malformed data is ignored.
func (d *VendorDirectory) LoadStored(kv VendorKV) error {
	raw, ok, err := kv.Get(storage.KeyVendors)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	var stored []internal.VendorConfig
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil
	}
	d.Merge(stored)
	return nil
}

func (d *VendorDirectory) Save(kv VendorKV) error {
	raw, err := json.Marshal(d.List())
	if err != nil {
		return err
	}
	return kv.Put(storage.KeyVendors, raw)
}

var ErrNoVendors = errors.New("no vendors in file")

// Import loads a YAML vendors file into the directory and persists the result.
func (d *VendorDirectory) Import(path string, kv VendorKV) (int, error) {
	vendors, err := LoadVendorsFile(path)
	if err != nil {
		return 0, err
	}
	if len(vendors) == 0 {
		return 0, ErrNoVendors
	}
	n := d.Merge(vendors)
	if kv != nil {
		if err := d.Save(kv); err != nil {
			return n, err
		}
	}
	return n, nil
}

func cloneVendor(v internal.VendorConfig) internal.VendorConfig {
	v.Domains = append([]string(nil), v.Domains...)
	return v
}
