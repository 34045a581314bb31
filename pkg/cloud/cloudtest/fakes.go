package cloudtest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	sfntypes "github.com/aws/aws-sdk-go-v2/service/sfn/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	ststypes "github.com/aws/aws-sdk-go-v2/service/sts/types"

	"github.com/bossdb/bossingest/pkg/cloud"
)

var (
	_ cloud.SQSAPI    = (*FakeSQS)(nil)
	_ cloud.LambdaAPI = (*FakeLambda)(nil)
	_ cloud.SFNAPI    = (*FakeSFN)(nil)
	_ cloud.IAMAPI    = (*FakeIAM)(nil)
	_ cloud.STSAPI    = (*FakeSTS)(nil)
)

// FakeSQS is an in-memory SQS. Queue URLs are synthesized from the queue
// name; tests drive message depth directly with SetDepth.
type FakeSQS struct {
	mu     sync.Mutex
	queues map[string]*fakeQueue

	// CreateErr, when set, fails the next CreateQueue call.
	CreateErr error
}

type fakeQueue struct {
	name  string
	attrs map[string]string
	depth int
}

func NewFakeSQS() *FakeSQS {
	return &FakeSQS{queues: make(map[string]*fakeQueue)}
}

func (f *FakeSQS) CreateQueue(ctx context.Context, params *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		err := f.CreateErr
		f.CreateErr = nil
		return nil, err
	}
	name := aws.ToString(params.QueueName)
	url := "https://sqs.test.amazonaws.com/123456789012/" + name
	attrs := make(map[string]string, len(params.Attributes))
	for k, v := range params.Attributes {
		attrs[k] = v
	}
	attrs[string(sqstypes.QueueAttributeNameQueueArn)] = "arn:aws:sqs:test:123456789012:" + name
	// CreateQueue is idempotent for identical attributes.
	f.queues[url] = &fakeQueue{name: name, attrs: attrs}
	return &sqs.CreateQueueOutput{QueueUrl: aws.String(url)}, nil
}

func (f *FakeSQS) DeleteQueue(ctx context.Context, params *sqs.DeleteQueueInput, optFns ...func(*sqs.Options)) (*sqs.DeleteQueueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	url := aws.ToString(params.QueueUrl)
	if _, ok := f.queues[url]; !ok {
		return nil, &sqstypes.QueueDoesNotExist{Message: aws.String("queue does not exist")}
	}
	delete(f.queues, url)
	return &sqs.DeleteQueueOutput{}, nil
}

func (f *FakeSQS) GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queues[aws.ToString(params.QueueUrl)]
	if !ok {
		return nil, &sqstypes.QueueDoesNotExist{Message: aws.String("queue does not exist")}
	}
	out := make(map[string]string, len(q.attrs)+1)
	for k, v := range q.attrs {
		out[k] = v
	}
	out[string(sqstypes.QueueAttributeNameApproximateNumberOfMessages)] = strconv.Itoa(q.depth)
	return &sqs.GetQueueAttributesOutput{Attributes: out}, nil
}

func (f *FakeSQS) GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(params.QueueName)
	for url, q := range f.queues {
		if q.name == name {
			return &sqs.GetQueueUrlOutput{QueueUrl: aws.String(url)}, nil
		}
	}
	return nil, &sqstypes.QueueDoesNotExist{Message: aws.String("queue does not exist: " + name)}
}

func (f *FakeSQS) SetQueueAttributes(ctx context.Context, params *sqs.SetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.SetQueueAttributesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queues[aws.ToString(params.QueueUrl)]
	if !ok {
		return nil, &sqstypes.QueueDoesNotExist{Message: aws.String("queue does not exist")}
	}
	for k, v := range params.Attributes {
		q.attrs[k] = v
	}
	return &sqs.SetQueueAttributesOutput{}, nil
}

// SetDepth sets the approximate message count reported for a queue URL.
func (f *FakeSQS) SetDepth(url string, depth int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if q, ok := f.queues[url]; ok {
		q.depth = depth
	}
}

// HasQueue reports whether a queue with the given URL still exists.
func (f *FakeSQS) HasQueue(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.queues[url]
	return ok
}

// QueueAttr returns one creation attribute for a queue URL.
func (f *FakeSQS) QueueAttr(url, key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if q, ok := f.queues[url]; ok {
		return q.attrs[key]
	}
	return ""
}

// FakeLambda tracks event source mappings and serves function timeouts.
type FakeLambda struct {
	mu       sync.Mutex
	timeouts map[string]int32
	mappings map[string]lambdatypes.EventSourceMappingConfiguration
	nextUUID int
}

func NewFakeLambda() *FakeLambda {
	return &FakeLambda{
		timeouts: make(map[string]int32),
		mappings: make(map[string]lambdatypes.EventSourceMappingConfiguration),
	}
}

// SetTimeout registers a function's configured timeout in seconds.
func (f *FakeLambda) SetTimeout(functionName string, seconds int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeouts[functionName] = seconds
}

func (f *FakeLambda) GetFunctionConfiguration(ctx context.Context, params *lambda.GetFunctionConfigurationInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionConfigurationOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(params.FunctionName)
	timeout, ok := f.timeouts[name]
	if !ok {
		return nil, &lambdatypes.ResourceNotFoundException{Message: aws.String("function not found: " + name)}
	}
	return &lambda.GetFunctionConfigurationOutput{
		FunctionName: aws.String(name),
		Timeout:      aws.Int32(timeout),
	}, nil
}

func (f *FakeLambda) CreateEventSourceMapping(ctx context.Context, params *lambda.CreateEventSourceMappingInput, optFns ...func(*lambda.Options)) (*lambda.CreateEventSourceMappingOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	arn := aws.ToString(params.EventSourceArn)
	fn := aws.ToString(params.FunctionName)
	for _, m := range f.mappings {
		if aws.ToString(m.EventSourceArn) == arn && aws.ToString(m.FunctionArn) == fn {
			return nil, &lambdatypes.ResourceConflictException{Message: aws.String("event source mapping already exists")}
		}
	}
	f.nextUUID++
	uuid := fmt.Sprintf("esm-%04d", f.nextUUID)
	f.mappings[uuid] = lambdatypes.EventSourceMappingConfiguration{
		UUID:           aws.String(uuid),
		EventSourceArn: aws.String(arn),
		FunctionArn:    aws.String(fn),
		BatchSize:      params.BatchSize,
		State:          aws.String("Enabled"),
	}
	return &lambda.CreateEventSourceMappingOutput{
		UUID:      aws.String(uuid),
		BatchSize: params.BatchSize,
		State:     aws.String("Creating"),
	}, nil
}

func (f *FakeLambda) ListEventSourceMappings(ctx context.Context, params *lambda.ListEventSourceMappingsInput, optFns ...func(*lambda.Options)) (*lambda.ListEventSourceMappingsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []lambdatypes.EventSourceMappingConfiguration
	for _, m := range f.mappings {
		if params.EventSourceArn != nil && aws.ToString(m.EventSourceArn) != aws.ToString(params.EventSourceArn) {
			continue
		}
		if params.FunctionName != nil && aws.ToString(m.FunctionArn) != aws.ToString(params.FunctionName) {
			continue
		}
		out = append(out, m)
	}
	return &lambda.ListEventSourceMappingsOutput{EventSourceMappings: out}, nil
}

func (f *FakeLambda) DeleteEventSourceMapping(ctx context.Context, params *lambda.DeleteEventSourceMappingInput, optFns ...func(*lambda.Options)) (*lambda.DeleteEventSourceMappingOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	uuid := aws.ToString(params.UUID)
	if _, ok := f.mappings[uuid]; !ok {
		return nil, &lambdatypes.ResourceNotFoundException{Message: aws.String("mapping not found: " + uuid)}
	}
	delete(f.mappings, uuid)
	return &lambda.DeleteEventSourceMappingOutput{}, nil
}

// MappingCount reports how many mappings currently target the given event
// source ARN.
func (f *FakeLambda) MappingCount(eventSourceARN string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.mappings {
		if aws.ToString(m.EventSourceArn) == eventSourceARN {
			n++
		}
	}
	return n
}

// Execution records one StartExecution call against the fake.
type Execution struct {
	StateMachineARN string
	Name            string
	Input           string
}

// FakeSFN records started executions and serves their reported status.
type FakeSFN struct {
	mu         sync.Mutex
	Executions []Execution
	statuses   map[string]sfntypes.ExecutionStatus

	// StartErr, when set, fails the next StartExecution call.
	StartErr error
}

func NewFakeSFN() *FakeSFN {
	return &FakeSFN{statuses: make(map[string]sfntypes.ExecutionStatus)}
}

// SetStatus sets the status reported for an execution ARN.
func (f *FakeSFN) SetStatus(executionARN string, status sfntypes.ExecutionStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[executionARN] = status
}

func (f *FakeSFN) DescribeExecution(ctx context.Context, params *sfn.DescribeExecutionInput, optFns ...func(*sfn.Options)) (*sfn.DescribeExecutionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	arn := aws.ToString(params.ExecutionArn)
	status, ok := f.statuses[arn]
	if !ok {
		status = sfntypes.ExecutionStatusRunning
	}
	return &sfn.DescribeExecutionOutput{
		ExecutionArn: aws.String(arn),
		Status:       status,
	}, nil
}

func (f *FakeSFN) StartExecution(ctx context.Context, params *sfn.StartExecutionInput, optFns ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		err := f.StartErr
		f.StartErr = nil
		return nil, err
	}
	exec := Execution{
		StateMachineARN: aws.ToString(params.StateMachineArn),
		Name:            aws.ToString(params.Name),
		Input:           aws.ToString(params.Input),
	}
	f.Executions = append(f.Executions, exec)
	now := time.Now().UTC()
	return &sfn.StartExecutionOutput{
		ExecutionArn: aws.String(exec.StateMachineARN + ":" + exec.Name),
		StartDate:    &now,
	}, nil
}

// Started returns a copy of the recorded executions.
func (f *FakeSFN) Started() []Execution {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Execution, len(f.Executions))
	copy(out, f.Executions)
	return out
}

// FakeIAM stores created policies by ARN.
type FakeIAM struct {
	mu       sync.Mutex
	policies map[string]string // arn -> document
}

func NewFakeIAM() *FakeIAM {
	return &FakeIAM{policies: make(map[string]string)}
}

func (f *FakeIAM) CreatePolicy(ctx context.Context, params *iam.CreatePolicyInput, optFns ...func(*iam.Options)) (*iam.CreatePolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(params.PolicyName)
	arn := "arn:aws:iam::123456789012:policy/" + name
	if _, ok := f.policies[arn]; ok {
		return nil, &iamtypes.EntityAlreadyExistsException{Message: aws.String("policy exists: " + name)}
	}
	f.policies[arn] = aws.ToString(params.PolicyDocument)
	return &iam.CreatePolicyOutput{
		Policy: &iamtypes.Policy{
			Arn:        aws.String(arn),
			PolicyName: aws.String(name),
		},
	}, nil
}

func (f *FakeIAM) DeletePolicy(ctx context.Context, params *iam.DeletePolicyInput, optFns ...func(*iam.Options)) (*iam.DeletePolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	arn := aws.ToString(params.PolicyArn)
	if _, ok := f.policies[arn]; !ok {
		return nil, &iamtypes.NoSuchEntityException{Message: aws.String("policy not found: " + arn)}
	}
	delete(f.policies, arn)
	return &iam.DeletePolicyOutput{}, nil
}

// PolicyDocument returns the stored document for an ARN, or "".
func (f *FakeIAM) PolicyDocument(arn string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.policies[arn]
}

// HasPolicy reports whether a policy with the given ARN exists.
func (f *FakeIAM) HasPolicy(arn string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.policies[arn]
	return ok
}

// FakeSTS mints deterministic federation tokens and remembers the scoping
// policy attached to the last request.
type FakeSTS struct {
	mu         sync.Mutex
	LastPolicy string
	LastName   string
	tokens     int
}

func NewFakeSTS() *FakeSTS {
	return &FakeSTS{}
}

func (f *FakeSTS) GetFederationToken(ctx context.Context, params *sts.GetFederationTokenInput, optFns ...func(*sts.Options)) (*sts.GetFederationTokenOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens++
	f.LastPolicy = aws.ToString(params.Policy)
	f.LastName = aws.ToString(params.Name)
	duration := int32(43200)
	if params.DurationSeconds != nil {
		duration = *params.DurationSeconds
	}
	exp := time.Now().UTC().Add(time.Duration(duration) * time.Second)
	return &sts.GetFederationTokenOutput{
		Credentials: &ststypes.Credentials{
			AccessKeyId:     aws.String(fmt.Sprintf("ASIAFAKE%06d", f.tokens)),
			SecretAccessKey: aws.String(fmt.Sprintf("secret-%06d", f.tokens)),
			SessionToken:    aws.String(fmt.Sprintf("token-%06d", f.tokens)),
			Expiration:      &exp,
		},
	}, nil
}
