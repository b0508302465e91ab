// Package network publishes engine ports on the host with iptables.
//
// containerd has no built-in port mapping, so the mapping between the host
// port handed out by the allocator and the port an engine binds is realized
// here. Engines without a VPN run in the host network namespace and get a
// REDIRECT rule (plus an OUTPUT rule for loopback clients). Engines attached
// to a VPN container are reached through that container's own published
// range and need no rules from us.
//
// Rule bodies are built once and used for both -A and -D, so removal always
// matches what was installed. Removal errors are ignored: rules may already
// have been flushed by a host reboot.
package network
