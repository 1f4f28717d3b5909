package cerr

import (
	"errors"
	"fmt"

	"github.com/fixzit/claimd/pkg/storage"
)

func WrapStorageReadError(target string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return NewError(NotFound, fmt.Sprintf("%s not found", target), err)
	}
	return NewErrorWithDetails(Unavailable, "store unavailable",
		fmt.Errorf("failed to read %s: %w", target, err),
		[]Detail{{Reason: ReasonStoreUnavailable}})
}

func WrapStorageWriteError(target string, err error) error {
	return NewErrorWithDetails(Unavailable, "store unavailable",
		fmt.Errorf("failed to write %s: %w", target, err),
		[]Detail{{Reason: ReasonStoreUnavailable}})
}
