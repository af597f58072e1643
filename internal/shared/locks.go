package shared

// ledgerLockClass namespaces the ledger's advisory locks so they never
// collide with locks taken by other components sharing the database.
const ledgerLockClass int64 = 0x4C44 // "LD"

// CustomerLockKey builds the advisory lock key serializing all ledger
// mutations for one customer.
func CustomerLockKey(customerID int64) int64 {
	return ledgerLockClass<<32 | (customerID & 0xFFFFFFFF)
}
