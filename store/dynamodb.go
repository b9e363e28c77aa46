package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/sicko7947/stepflow"
)

var terminalStatuses = []stepflow.RunStatus{
	stepflow.RunStatusSucceeded,
	stepflow.RunStatusFailed,
	stepflow.RunStatusCancelled,
}

var allStatuses = []stepflow.RunStatus{
	stepflow.RunStatusPending,
	stepflow.RunStatusRunning,
	stepflow.RunStatusSleeping,
	stepflow.RunStatusSucceeded,
	stepflow.RunStatusFailed,
	stepflow.RunStatusCancelled,
}

// DynamoDBLedger implements stepflow.Ledger using AWS DynamoDB
type DynamoDBLedger struct {
	client    DynamoDBClient
	tableName string
	clock     stepflow.Clock
}

// NewDynamoDBLedger creates a new DynamoDB-backed ledger
func NewDynamoDBLedger(client DynamoDBClient, tableName string) *DynamoDBLedger {
	return &DynamoDBLedger{
		client:    client,
		tableName: tableName,
		clock:     stepflow.SystemClock{},
	}
}

var _ stepflow.Ledger = (*DynamoDBLedger)(nil)

// notTerminalCondition guards writes against runs that already finished
func notTerminalCondition() (string, map[string]string, map[string]types.AttributeValue) {
	names := map[string]string{"#status": AttrStatus}
	values := map[string]types.AttributeValue{}
	for i, st := range terminalStatuses {
		values[fmt.Sprintf(":t%d", i)] = &types.AttributeValueMemberS{Value: string(st)}
	}
	return "attribute_exists(PK) AND NOT (#status IN (:t0, :t1, :t2))", names, values
}

func (s *DynamoDBLedger) runItem(run *stepflow.Run) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(run)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run: %w", err)
	}

	item[AttrPK] = &types.AttributeValueMemberS{Value: runPK(run.RunID)}
	item[AttrSK] = &types.AttributeValueMemberS{Value: runSK()}
	item[AttrEntityType] = &types.AttributeValueMemberS{Value: EntityTypeRun}

	created := sortableTime(run.CreatedAt)
	item[AttrGSI1PK] = &types.AttributeValueMemberS{Value: runGSI1PK(run.WorkflowID, string(run.Status))}
	item[AttrGSI1SK] = &types.AttributeValueMemberS{Value: created}
	item[AttrGSI2PK] = &types.AttributeValueMemberS{Value: runGSI2PK(string(run.Status))}
	item[AttrGSI2SK] = &types.AttributeValueMemberS{Value: created}
	return item, nil
}

// Run operations

func (s *DynamoDBLedger) CreateRun(ctx context.Context, run *stepflow.Run) error {
	item, err := s.runItem(run)
	if err != nil {
		return err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("run %s already exists", run.RunID)
		}
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (s *DynamoDBLedger) GetRun(ctx context.Context, runID string) (*stepflow.Run, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: runPK(runID)},
			AttrSK: &types.AttributeValueMemberS{Value: runSK()},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if result.Item == nil {
		return nil, fmt.Errorf("run %s: %w", runID, stepflow.ErrRunNotFound)
	}

	var run stepflow.Run
	if err := attributevalue.UnmarshalMap(result.Item, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &run, nil
}

func (s *DynamoDBLedger) UpdateRun(ctx context.Context, run *stepflow.Run) error {
	item, err := s.runItem(run)
	if err != nil {
		return err
	}

	cond, names, values := notTerminalCondition()
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.tableName),
		Item:                      item,
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if isConditionFailed(err) {
			return s.explainRunConflict(ctx, run.RunID)
		}
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

// explainRunConflict turns a failed run guard into the matching sentinel
func (s *DynamoDBLedger) explainRunConflict(ctx context.Context, runID string) error {
	current, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return fmt.Errorf("run %s is %s: %w", runID, current.Status, stepflow.ErrRunTerminal)
}

func (s *DynamoDBLedger) ListRuns(ctx context.Context, filter stepflow.RunFilter) ([]*stepflow.Run, error) {
	statuses := allStatuses
	if filter.Status != nil {
		statuses = []stepflow.RunStatus{*filter.Status}
	}

	runs := make([]*stepflow.Run, 0)
	for _, status := range statuses {
		input := &dynamodb.QueryInput{
			TableName:        aws.String(s.tableName),
			ScanIndexForward: aws.Bool(false),
		}
		if filter.WorkflowID != "" {
			input.IndexName = aws.String(IndexWorkflowStatus)
			input.KeyConditionExpression = aws.String("GSI1PK = :pk")
			input.ExpressionAttributeValues = map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: runGSI1PK(filter.WorkflowID, string(status))},
			}
		} else {
			input.IndexName = aws.String(IndexSchedule)
			input.KeyConditionExpression = aws.String("GSI2PK = :pk")
			input.ExpressionAttributeValues = map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: runGSI2PK(string(status))},
			}
		}

		page, err := s.queryRuns(ctx, input, filter)
		if err != nil {
			return nil, err
		}
		runs = append(runs, page...)
		if filter.Limit > 0 && len(runs) >= filter.Limit {
			return runs[:filter.Limit], nil
		}
	}
	return runs, nil
}

func (s *DynamoDBLedger) queryRuns(ctx context.Context, input *dynamodb.QueryInput, filter stepflow.RunFilter) ([]*stepflow.Run, error) {
	var runs []*stepflow.Run
	var lastKey map[string]types.AttributeValue

	for {
		input.ExclusiveStartKey = lastKey
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to query runs: %w", err)
		}

		for _, item := range result.Items {
			var run stepflow.Run
			if err := attributevalue.UnmarshalMap(item, &run); err != nil {
				return nil, fmt.Errorf("failed to unmarshal run: %w", err)
			}
			if filter.UpdatedBefore != nil && !run.UpdatedAt.Before(*filter.UpdatedBefore) {
				continue
			}
			runs = append(runs, &run)
			if filter.Limit > 0 && len(runs) >= filter.Limit {
				return runs, nil
			}
		}

		if result.LastEvaluatedKey == nil {
			return runs, nil
		}
		lastKey = result.LastEvaluatedKey
	}
}

// Step operations

func (s *DynamoDBLedger) GetStep(ctx context.Context, runID, name string) (*stepflow.StepRecord, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: runPK(runID)},
			AttrSK: &types.AttributeValueMemberS{Value: stepSK(name)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	if result.Item == nil {
		return nil, fmt.Errorf("step %s of run %s: %w", name, runID, stepflow.ErrStepNotFound)
	}

	var rec stepflow.StepRecord
	if err := attributevalue.UnmarshalMap(result.Item, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal step: %w", err)
	}
	return &rec, nil
}

func (s *DynamoDBLedger) ListSteps(ctx context.Context, runID string) ([]*stepflow.StepRecord, error) {
	records := make([]*stepflow.StepRecord, 0)
	var lastKey map[string]types.AttributeValue

	for {
		result, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: runPK(runID)},
				":prefix": &types.AttributeValueMemberS{Value: stepPrefix()},
			},
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: lastKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query steps: %w", err)
		}

		for _, item := range result.Items {
			var rec stepflow.StepRecord
			if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
				return nil, fmt.Errorf("failed to unmarshal step: %w", err)
			}
			records = append(records, &rec)
		}

		if result.LastEvaluatedKey == nil {
			break
		}
		lastKey = result.LastEvaluatedKey
	}

	sortSteps(records)
	return records, nil
}

func (s *DynamoDBLedger) SaveStep(ctx context.Context, step *stepflow.StepRecord) error {
	item, err := attributevalue.MarshalMap(step)
	if err != nil {
		return fmt.Errorf("failed to marshal step: %w: %w", stepflow.ErrRecordRejected, err)
	}

	item[AttrPK] = &types.AttributeValueMemberS{Value: runPK(step.RunID)}
	item[AttrSK] = &types.AttributeValueMemberS{Value: stepSK(step.Name)}
	item[AttrEntityType] = &types.AttributeValueMemberS{Value: EntityTypeStep}
	if step.Kind == stepflow.StepKindSleep && step.Status == stepflow.StepStatusPending && step.WakeAt != nil {
		item[AttrGSI2PK] = &types.AttributeValueMemberS{Value: sleepGSI2PK()}
		item[AttrGSI2SK] = &types.AttributeValueMemberS{Value: sortableTime(*step.WakeAt)}
	}

	runCond, runNames, runValues := notTerminalCondition()

	// The run guard and the step write commit together
	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				ConditionCheck: &types.ConditionCheck{
					TableName: aws.String(s.tableName),
					Key: map[string]types.AttributeValue{
						AttrPK: &types.AttributeValueMemberS{Value: runPK(step.RunID)},
						AttrSK: &types.AttributeValueMemberS{Value: runSK()},
					},
					ConditionExpression:       aws.String(runCond),
					ExpressionAttributeNames:  runNames,
					ExpressionAttributeValues: runValues,
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(s.tableName),
					Item:                item,
					ConditionExpression: aws.String("attribute_not_exists(PK) OR #status <> :completed"),
					ExpressionAttributeNames: map[string]string{
						"#status": AttrStatus,
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":completed": &types.AttributeValueMemberS{Value: string(stepflow.StepStatusCompleted)},
					},
				},
			},
		},
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			reasons := tce.CancellationReasons
			if len(reasons) > 0 && aws.ToString(reasons[0].Code) == "ConditionalCheckFailed" {
				if _, getErr := s.GetRun(ctx, step.RunID); errors.Is(getErr, stepflow.ErrRunNotFound) {
					return getErr
				}
				return fmt.Errorf("run %s: %w", step.RunID, stepflow.ErrRunTerminal)
			}
			if len(reasons) > 1 && aws.ToString(reasons[1].Code) == "ConditionalCheckFailed" {
				return fmt.Errorf("step %s of run %s: %w", step.Name, step.RunID, stepflow.ErrStepCompleted)
			}
		}
		if isValidationError(err) {
			return fmt.Errorf("failed to save step: %w: %w", stepflow.ErrRecordRejected, err)
		}
		return fmt.Errorf("failed to save step: %w", err)
	}
	return nil
}

// ListDueSleeps pages through the schedule index until it has limit sleeps
// of live runs. Sleeps left behind by finished runs are dropped from the
// index as they are found, so they cannot crowd out live ones.
func (s *DynamoDBLedger) ListDueSleeps(ctx context.Context, now time.Time, limit int) ([]*stepflow.StepRecord, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(IndexSchedule),
		KeyConditionExpression: aws.String("GSI2PK = :pk AND GSI2SK <= :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":  &types.AttributeValueMemberS{Value: sleepGSI2PK()},
			":now": &types.AttributeValueMemberS{Value: sortableTime(now)},
		},
	}
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}

	live := make(map[string]bool)
	var due []*stepflow.StepRecord
	for {
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to query due sleeps: %w", err)
		}

		for _, item := range result.Items {
			var rec stepflow.StepRecord
			if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
				return nil, fmt.Errorf("failed to unmarshal step: %w", err)
			}

			ok, err := s.runIsLive(ctx, rec.RunID, live)
			if err != nil {
				return nil, err
			}
			if !ok {
				if err := s.unindexSleep(ctx, item); err != nil {
					return nil, err
				}
				continue
			}

			due = append(due, &rec)
			if limit > 0 && len(due) >= limit {
				return due, nil
			}
		}

		if len(result.LastEvaluatedKey) == 0 {
			return due, nil
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
}

func (s *DynamoDBLedger) runIsLive(ctx context.Context, runID string, cache map[string]bool) (bool, error) {
	if live, seen := cache[runID]; seen {
		return live, nil
	}

	run, err := s.GetRun(ctx, runID)
	switch {
	case errors.Is(err, stepflow.ErrRunNotFound):
		cache[runID] = false
	case err != nil:
		return false, err
	default:
		cache[runID] = !run.Status.IsTerminal()
	}
	return cache[runID], nil
}

// unindexSleep rewrites a pending sleep item without its schedule keys
func (s *DynamoDBLedger) unindexSleep(ctx context.Context, item map[string]types.AttributeValue) error {
	clean := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		if k == AttrGSI2PK || k == AttrGSI2SK {
			continue
		}
		clean[k] = v
	}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                clean,
		ConditionExpression: aws.String("#status = :pending"),
		ExpressionAttributeNames: map[string]string{
			"#status": AttrStatus,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending": &types.AttributeValueMemberS{Value: string(stepflow.StepStatusPending)},
		},
	})
	if err != nil && !isConditionFailed(err) {
		return fmt.Errorf("failed to unindex sleep: %w", err)
	}
	return nil
}

// Lease operations

func (s *DynamoDBLedger) leaseKey(runID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		AttrPK: &types.AttributeValueMemberS{Value: runPK(runID)},
		AttrSK: &types.AttributeValueMemberS{Value: leaseSK()},
	}
}

func (s *DynamoDBLedger) leaseItem(runID, owner string, expiresAt time.Time) map[string]types.AttributeValue {
	item := s.leaseKey(runID)
	item[AttrEntityType] = &types.AttributeValueMemberS{Value: EntityTypeLease}
	item[AttrLeaseOwner] = &types.AttributeValueMemberS{Value: owner}
	item[AttrLeaseExpiresAt] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt.UnixMilli(), 10)}
	return item
}

// AcquireLease writes the lease item only while the run item exists, so a
// missing run yields false and leaves no orphan lease behind.
func (s *DynamoDBLedger) AcquireLease(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()
	item := s.leaseItem(runID, owner, now.Add(ttl))

	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				ConditionCheck: &types.ConditionCheck{
					TableName: aws.String(s.tableName),
					Key: map[string]types.AttributeValue{
						AttrPK: &types.AttributeValueMemberS{Value: runPK(runID)},
						AttrSK: &types.AttributeValueMemberS{Value: runSK()},
					},
					ConditionExpression: aws.String("attribute_exists(PK)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(s.tableName),
					Item:                item,
					ConditionExpression: aws.String("attribute_not_exists(PK) OR lease_owner = :owner OR lease_expires_at < :now"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":owner": &types.AttributeValueMemberS{Value: owner},
						":now":   &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
					},
				},
			},
		},
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			for _, reason := range tce.CancellationReasons {
				if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
					return false, nil
				}
			}
		}
		return false, fmt.Errorf("failed to write lease: %w", err)
	}
	return true, nil
}

func (s *DynamoDBLedger) RenewLease(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                s.leaseItem(runID, owner, s.clock.Now().Add(ttl)),
		ConditionExpression: aws.String("lease_owner = :owner"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: owner},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to renew lease: %w", err)
	}
	return true, nil
}

func (s *DynamoDBLedger) ReleaseLease(ctx context.Context, runID, owner string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 s.leaseKey(runID),
		ConditionExpression: aws.String("lease_owner = :owner"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: owner},
		},
	})
	if err != nil && !isConditionFailed(err) {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// isValidationError reports requests DynamoDB refused for their content,
// such as items over the size limit
func isValidationError(err error) bool {
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for _, reason := range tce.CancellationReasons {
			if aws.ToString(reason.Code) == "ValidationError" {
				return true
			}
		}
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ValidationException"
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
