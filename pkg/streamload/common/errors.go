// Copyright 2025 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	goerrors "errors"

	"github.com/pingcap/errors"
)

// Error classes of the write path. The RFC code is carried over the wire as
// the machine readable reason of a failure.
var (
	ErrTooManyFilteredRows  = errors.Normalize("too many filtered rows: %d of %d rows filtered, max filter ratio %v", errors.RFCCodeText("StreamLoad:TooManyFilteredRows"))
	ErrNoPartitionForRow    = errors.Normalize("no partition for row %s", errors.RFCCodeText("StreamLoad:NoPartitionForRow"))
	ErrInvalidSchema        = errors.Normalize("invalid schema: %s", errors.RFCCodeText("StreamLoad:InvalidSchema"))
	ErrInvalidPartitionInfo = errors.Normalize("invalid partition info: %s", errors.RFCCodeText("StreamLoad:InvalidPartitionInfo"))
	ErrWriterClosed         = errors.Normalize("delta writer for tablet %s is closed", errors.RFCCodeText("StreamLoad:WriterClosed"))
	ErrWriterCreate         = errors.Normalize("create delta writer for tablet %s", errors.RFCCodeText("StreamLoad:WriterCreate"))
	ErrWriteTablet          = errors.Normalize("write tablet %s", errors.RFCCodeText("StreamLoad:WriteTablet"))
	ErrStreamClosed         = errors.Normalize("stream %d to node %d is closed", errors.RFCCodeText("StreamLoad:StreamClosed"))
	ErrNodeUnavailable      = errors.Normalize("node %d is unavailable", errors.RFCCodeText("StreamLoad:NodeUnavailable"))
	ErrInvalidOpenRequest   = errors.Normalize("invalid open request: %s", errors.RFCCodeText("StreamLoad:InvalidOpenRequest"))
	ErrInvalidWriteRequest  = errors.Normalize("invalid write request: %s", errors.RFCCodeText("StreamLoad:InvalidWriteRequest"))
	ErrLoadNotFound         = errors.Normalize("load %s not found", errors.RFCCodeText("StreamLoad:LoadNotFound"))
	ErrReplicaQuorum        = errors.Normalize("tablet %s: %d of %d replicas succeeded, need %d", errors.RFCCodeText("StreamLoad:ReplicaQuorum"))
	ErrSinkAborted          = errors.Normalize("sink of load %s aborted", errors.RFCCodeText("StreamLoad:SinkAborted"))
	ErrMissingSegments      = errors.Normalize("tablet %s: received %d of %d segments", errors.RFCCodeText("StreamLoad:MissingSegments"))
	ErrSinkClosed           = errors.Normalize("sink of load %s is closed", errors.RFCCodeText("StreamLoad:SinkClosed"))
	ErrLoadCanceled         = errors.Normalize("load canceled", errors.RFCCodeText("StreamLoad:LoadCanceled"))
	ErrMissingReplicaResult = errors.Normalize("no result from node %d", errors.RFCCodeText("StreamLoad:MissingReplicaResult"))
)

// ReasonOf returns the machine readable reason of err: the RFC code of its
// error class, or "StreamLoad:Unknown".
func ReasonOf(err error) string {
	var terr *errors.Error
	if goerrors.As(err, &terr) {
		return string(terr.RFCCode())
	}
	return "StreamLoad:Unknown"
}

var errorClasses = []*errors.Error{
	ErrTooManyFilteredRows, ErrNoPartitionForRow, ErrInvalidSchema, ErrInvalidPartitionInfo,
	ErrWriterClosed, ErrWriterCreate, ErrWriteTablet, ErrStreamClosed, ErrNodeUnavailable,
	ErrInvalidOpenRequest, ErrInvalidWriteRequest, ErrLoadNotFound, ErrReplicaQuorum,
	ErrSinkAborted, ErrMissingSegments, ErrSinkClosed, ErrLoadCanceled, ErrMissingReplicaResult,
}

// ErrorFromReason rebuilds an error received from a remote peer. Known
// reasons map back to their error class so that Equal keeps working.
func ErrorFromReason(reason, message string) error {
	for _, cls := range errorClasses {
		if string(cls.RFCCode()) == reason {
			return cls.FastGen("%s", message)
		}
	}
	return errors.Errorf("[%s]%s", reason, message)
}
