// Package trust implements the key/role model and signed metadata documents
// forming the update trust chain: a self-describing root authorizes targets,
// snapshot and timestamp keys; documents are canonical JSON signed by
// threshold key sets; root rotation is verified sequentially against the
// previous root's quorum.
package trust
