// Package clock abstracts time so waits and expiry sweeps can be driven
// deterministically in tests.
package clock
