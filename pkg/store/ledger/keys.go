package ledger

import "fmt"

const (
	// notation dictionary for key formats:
	// done  = completion bookkeeping
	// task  = one result file acknowledged to the scheduler, scoped to its
	//         batch since file names repeat across batches
	// batch = per sub-request progress
	// <...> = variable segment

	TaskDoneKey  = "done:task:%s/%s" // done:task:<sub_req_id>/<task_id>
	BatchDoneKey = "done:batch:%s"   // done:batch:<sub_req_id>

	TaskDonePrefix  = "done:task:"
	BatchDonePrefix = "done:batch:"
)

func TaskKey(subReqID, taskID string) string { return fmt.Sprintf(TaskDoneKey, subReqID, taskID) }
func BatchKey(subReqID string) string         { return fmt.Sprintf(BatchDoneKey, subReqID) }

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix string) []byte {
	end := []byte(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
