package db

import "time"

// DNSOverride represents a local DNS cache override entry, consulted by
// internal/dns_cache before the real resolver runs (spec §4.4's MX/DANE
// lookups). It maps a lookup key (domain name or IP address) to a target
// host, allowing outbound mail delivery to be redirected without touching
// system DNS. For example:
//   - LookupKey="nine.testrun.org" TargetHost="1.2.3.4"  → route mail for nine.testrun.org to 1.2.3.4
//   - LookupKey="1.1.1.1"          TargetHost="2.2.2.2"  → redirect connections from 1.1.1.1 to 2.2.2.2
type DNSOverride struct {
	LookupKey  string    `gorm:"primaryKey;column:lookup_key"` // domain or IP to match
	TargetHost string    `gorm:"column:target_host;not null"`  // destination host/IP to use instead
	Comment    string    `gorm:"column:comment"`               // optional human-readable note
	CreatedAt  time.Time `gorm:"autoCreateTime"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}
