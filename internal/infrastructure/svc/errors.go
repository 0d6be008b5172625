package svc

import "errors"

// ErrNoStorageEnabled 错误：没有启用任何存储后端
var ErrNoStorageEnabled = errors.New("no storage backend enabled")

// ErrControlBusUnavailable 错误：控制面订阅失败
var ErrControlBusUnavailable = errors.New("control bus subscription failed")
