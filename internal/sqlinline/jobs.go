package sqlinline

const QInsertJobIfAbsent = `--sql aa2d2680-b350-417c-8a91-99fb8eec871a
insert into alt_text_jobs (subject_id, status, source)
values ($1, 'pending', $2)
on conflict (subject_id) where status in ('pending', 'processing') do nothing;
`

const QDeleteJobsForSubjects = `--sql dddbf2a3-3a6f-4e1e-8a58-8776084038e2
delete from alt_text_jobs
where subject_id = any($1::text[]);
`

const QSelectClaimCandidates = `--sql 4d3d53a3-a176-49d2-a8a1-07b1d27b66f5
select id
from alt_text_jobs
where status = 'pending'
order by enqueued_at asc, id asc
limit $1;
`

const QClaimJob = `--sql fbeb919d-fd0a-43a8-b357-dc8992893676
update alt_text_jobs
set status = 'processing', locked_at = now(), attempts = attempts + 1
where id = $1 and status = 'pending'
returning id, subject_id, status, attempts, source,
          coalesce(last_error, ''), coalesce(result_text, ''),
          enqueued_at, locked_at, completed_at;
`

const QMarkComplete = `--sql e253cd95-8bf4-4881-9cfc-ff4fbca2d699
update alt_text_jobs
set status = 'completed', locked_at = null, completed_at = now(),
    last_error = null, result_text = $2
where id = $1;
`

const QMarkRetry = `--sql 0b8d4961-51f4-420e-8110-2b98ac28dc7e
update alt_text_jobs
set status = 'pending', locked_at = null, last_error = $2
where id = $1;
`

const QMarkFailed = `--sql 0a9aad75-9c57-4329-a8b4-c42869c8f36a
update alt_text_jobs
set status = 'failed', locked_at = null, last_error = $2
where id = $1;
`

const QResetStale = `--sql 43a5457b-5fe2-47e1-8ffc-170ff958c286
update alt_text_jobs
set status = 'pending', locked_at = null
where status = 'processing' and locked_at < $1;
`

const QQueueStats = `--sql 3d73bab3-7fc6-42ae-b480-274e34104be4
select
    count(*) filter (where status = 'pending'),
    count(*) filter (where status = 'processing'),
    count(*) filter (where status = 'failed'),
    count(*) filter (where status = 'completed'),
    count(*) filter (where status = 'completed'
                     and completed_at > now() - interval '24 hours')
from alt_text_jobs;
`

const QRetryFailed = `--sql 0153c2e4-3a99-4fd8-8e88-c55fd0f335d3
update alt_text_jobs
set status = 'pending', locked_at = null, last_error = null
where status = 'failed';
`

const QClearCompleted = `--sql 878d0af3-37c5-4490-b404-164e2d11f2d6
delete from alt_text_jobs
where status = 'completed' and completed_at < $1;
`

const QRetryJob = `--sql 46e56420-cfcb-4d0c-b69d-16e26a26c78b
update alt_text_jobs
set status = 'pending', locked_at = null, last_error = null
where id = $1;
`

const QRecentJobs = `--sql 4e727220-6c8b-464d-8cc0-56d7f1cc1175
select id, subject_id, status, attempts, source,
       coalesce(last_error, ''), coalesce(result_text, ''),
       enqueued_at, locked_at, completed_at
from alt_text_jobs
order by id desc
limit $1;
`

const QFailedJobs = `--sql ccb8e967-fdca-4567-a93a-633b6dc01504
select id, subject_id, status, attempts, source,
       coalesce(last_error, ''), coalesce(result_text, ''),
       enqueued_at, locked_at, completed_at
from alt_text_jobs
where status = 'failed'
order by id desc
limit $1;
`
