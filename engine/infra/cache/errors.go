package cache

import "errors"

var ErrDuplicate = errors.New("cache: duplicate")
