package queryctx

import (
	"github.com/pkg/errors"

	"github.com/cortexproject/querynode/pkg/util/writeonce"
)

// Contract violations on write-once fields. They wrap writeonce.ErrAlreadySet or
// writeonce.ErrNotSet so callers can match either the field or the kind of misuse.
var (
	ErrDescTblAlreadySet        = errors.Wrap(writeonce.ErrAlreadySet, "descriptor table")
	ErrDescTblNotSet            = errors.Wrap(writeonce.ErrNotSet, "descriptor table")
	ErrExecEnvAlreadySet        = errors.Wrap(writeonce.ErrAlreadySet, "exec env")
	ErrExecEnvNotSet            = errors.Wrap(writeonce.ErrNotSet, "exec env")
	ErrTotalFragmentsAlreadySet = errors.Wrap(writeonce.ErrAlreadySet, "total fragments")
	ErrRuntimeFilterRoleSet     = errors.Wrap(writeonce.ErrAlreadySet, "runtime filter coordinator flag")
	ErrSpanAlreadySet           = errors.Wrap(writeonce.ErrAlreadySet, "query span")

	ErrManagerClosed    = errors.New("query context manager closed")
	ErrTooManyFragments = errors.New("more fragments than the query expects")
)
