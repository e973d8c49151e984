// Package blocks implements the Block-to-Node Index used by the replication
// state manager: the authoritative record of which storage node holds which
// block replica.
//
// # Overview
//
// Storage nodes report the replicas they hold. The index turns those reports
// into two views that must never disagree:
//
//	block → holders          node → blocks
//	blk_1 → [dn1, dn2]       dn1 → {blk_1, blk_7}
//	blk_7 → [dn1]            dn2 → {blk_1}
//
// Classification of a block iterates its holders; reacting to a node failure
// iterates the node's blocks. Keeping the two directions in one structure,
// updated in one call under one external lock, removes the race where one
// side has been updated and the other has not yet been observed.
//
// # Invariants
//
//   - A node appears at most once in a block's holder list.
//   - node ∈ holders(b) ⇔ b ∈ blocks(node), after every method returns.
//   - A block with no holders has no entry; Len counts only held blocks.
//
// # Change Notification
//
// The index is the only place where node-to-block facts change. Each
// mutation calls the onChange callback given to NewMap with the affected
// block ID, which the replication manager uses to reclassify the block
// immediately. A removal made without any accompanying report is therefore
// visible to the very next classification.
//
// # Concurrency
//
// Map performs no locking of its own. It is owned by the replication
// manager, which holds a write lock across every mutation and a read lock
// across every query.
//
// # Performance Characteristics
//
//   - AddNode / RemoveNode: O(r) where r = replicas of the block
//   - Contains: O(1)
//   - NodeBlocks: O(k log k) where k = blocks on the node (sorted copy)
package blocks
